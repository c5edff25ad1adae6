package theme

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestTableRendersCells(t *testing.T) {
	out := Table(
		[]string{"UID", "Subject"},
		[][]string{{"u1", "hello"}, {"u2", "quarterly numbers"}},
		func(row int) lipgloss.Style { return EmailStyle(row == 0) },
	)

	for _, want := range []string{"UID", "Subject", "u1", "hello", "u2", "quarterly numbers"} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, "u1"), strings.Index(out, "u2"))
}

func TestTableWithoutRowStyle(t *testing.T) {
	out := Table([]string{"Name"}, nil, nil)
	assert.Contains(t, out, "Name")
}

func TestStyles(t *testing.T) {
	assert.True(t, EmailStyle(false).GetBold())
	assert.False(t, EmailStyle(true).GetBold())
	assert.Equal(t, ColorRed, SyncStateStyle("error").GetForeground())
	assert.Equal(t, ColorGreen, SyncStateStyle("idle").GetForeground())
	assert.Equal(t, ColorGray, SyncStateStyle("unknown").GetForeground())
}
