package gate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnlockedRunsFn(t *testing.T) {
	var g Gate
	ran := false
	g.Unlocked(func() { ran = true })
	assert.True(t, ran)
}

func TestUnlockedErrPropagatesError(t *testing.T) {
	var g Gate
	want := errors.New("boom")
	got := g.UnlockedErr(func() error { return want })
	assert.Equal(t, want, got)
}

func TestUnlockedSerializesConcurrentCallers(t *testing.T) {
	var g Gate
	const n = 50
	counter := 0
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			g.Unlocked(func() {
				counter++
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	assert.Equal(t, n, counter)
}
