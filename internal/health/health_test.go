package health

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRunAll(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("good", func(ctx context.Context) Status { return StatusOK })
	c.Register("bad", func(ctx context.Context) Status { return StatusDown })
	c.Register("meh", func(ctx context.Context) Status { return StatusDegraded })

	results := c.RunAll(context.Background())
	assert.Equal(t, StatusOK, results["good"])
	assert.Equal(t, StatusDown, results["bad"])
	assert.Equal(t, StatusDegraded, results["meh"])
}

func TestIsReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("good", func(ctx context.Context) Status { return StatusOK })
	assert.True(t, c.IsReady(context.Background()))

	// Degraded does not fail readiness; down does.
	c.Register("meh", func(ctx context.Context) Status { return StatusDegraded })
	assert.True(t, c.IsReady(context.Background()))

	c.Register("bad", func(ctx context.Context) Status { return StatusDown })
	assert.False(t, c.IsReady(context.Background()))
}

func TestNoChecksIsReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestDependency(t *testing.T) {
	ok := Dependency(func(ctx context.Context) error { return nil })
	assert.Equal(t, StatusOK, ok(context.Background()))

	down := Dependency(func(ctx context.Context) error { return errors.New("unreachable") })
	assert.Equal(t, StatusDown, down(context.Background()))
}

func TestDirWritable(t *testing.T) {
	check := DirWritable(t.TempDir())
	assert.Equal(t, StatusOK, check(context.Background()))

	broken := DirWritable("/nonexistent/path")
	assert.Equal(t, StatusDown, broken(context.Background()))
}
