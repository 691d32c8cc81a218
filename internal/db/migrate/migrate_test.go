package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrationsAreOrdered(t *testing.T) {
	prev := 0
	for _, m := range All() {
		assert.Greater(t, m.Version, prev, "migration versions must be strictly increasing")
		assert.NotEmpty(t, m.Name)
		assert.NotEmpty(t, m.UpSQL)
		prev = m.Version
	}
}
