package jobid

import (
	"testing"

	"mealsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "https://example.com/recipe", "example.com/recipe"},
		{"casing", "HTTPS://Example.COM/Recipe", "example.com/recipe"},
		{"trailing slash", "https://example.com/recipe/", "example.com/recipe"},
		{"http scheme", "http://example.com/recipe", "example.com/recipe"},
		{"no scheme", "example.com/recipe", "example.com/recipe"},
		{"tracking params", "https://example.com/recipe?utm_source=x&utm_medium=y&fbclid=1", "example.com/recipe"},
		{"kept params sorted", "https://example.com/recipe?b=2&utm_campaign=z&a=1", "example.com/recipe?a=1&b=2"},
		{"fragment dropped", "https://example.com/recipe#step-2", "example.com/recipe"},
		{"root", "https://example.com/", "example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURLInvalid(t *testing.T) {
	for _, in := range []string{"", "   ", "ftp://example.com/recipe", "https:///recipe"} {
		_, err := NormalizeURL(in)
		assert.ErrorIsf(t, err, ErrInvalidURL, "input %q", in)
	}
}

func TestGenerateEquivalentURLs(t *testing.T) {
	variants := []string{
		"https://example.com/recipe",
		"https://Example.COM/Recipe/",
		"http://example.com/recipe?utm_source=newsletter",
		"EXAMPLE.com/RECIPE/?utm_medium=email&gclid=abc",
	}

	for _, policy := range []models.PermissionLevel{models.PermissionEveryone, models.PermissionHousehold, models.PermissionOwner} {
		first, err := Generate(variants[0], "u1", "h1", policy)
		require.NoError(t, err)
		for _, v := range variants[1:] {
			got, err := Generate(v, "u1", "h1", policy)
			require.NoError(t, err)
			assert.Equalf(t, first, got, "policy %s variant %s", policy, v)
		}
	}
}

func TestGenerateScopes(t *testing.T) {
	const u = "https://example.com/recipe"

	t.Run("everyone ignores user and household", func(t *testing.T) {
		a, _ := Generate(u, "u1", "h1", models.PermissionEveryone)
		b, _ := Generate(u, "u2", "h2", models.PermissionEveryone)
		assert.Equal(t, a, b)
		assert.Equal(t, "import_example.com/recipe", a)
	})

	t.Run("household ignores user", func(t *testing.T) {
		a, _ := Generate(u, "u1", "h1", models.PermissionHousehold)
		b, _ := Generate(u, "u2", "h1", models.PermissionHousehold)
		c, _ := Generate(u, "u1", "h2", models.PermissionHousehold)
		assert.Equal(t, a, b)
		assert.NotEqual(t, a, c)
		assert.Equal(t, "import_h1_example.com/recipe", a)
	})

	t.Run("owner ignores household", func(t *testing.T) {
		a, _ := Generate(u, "u1", "h1", models.PermissionOwner)
		b, _ := Generate(u, "u1", "h2", models.PermissionOwner)
		c, _ := Generate(u, "u2", "h1", models.PermissionOwner)
		assert.Equal(t, a, b)
		assert.NotEqual(t, a, c)
		assert.Equal(t, "import_u1_example.com/recipe", a)
	})
}

func TestGenerateErrors(t *testing.T) {
	_, err := Generate("https://example.com/recipe", "u1", "h1", "public")
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	_, err = Generate("not a url at all ://", "u1", "h1", models.PermissionEveryone)
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = Generate("https://example.com/recipe", "u1", "", models.PermissionHousehold)
	assert.ErrorIs(t, err, ErrMissingScope)

	_, err = Generate("https://example.com/recipe", "", "h1", models.PermissionOwner)
	assert.ErrorIs(t, err, ErrMissingScope)
}
