package safe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunRecovers(t *testing.T) {
	assert.False(t, Run("explode", func() { panic("boom") }))
	assert.True(t, Run("fine", func() {}))
}

func TestGoRecovers(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Go("explode", func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()
}
