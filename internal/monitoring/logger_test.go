package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	orig := Logf
	t.Cleanup(func() { Logf = orig })

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("fit residual %.1f", 0.25)
	assert.Equal(t, "fit residual 0.2", got)

	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("dropped %d", 1) })
	assert.Equal(t, "fit residual 0.2", got)
}
