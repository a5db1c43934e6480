package types

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoalPath(t *testing.T) {
	g := Goal{Workspace: "/tmp/ws"}
	assert.Equal(t, filepath.Join("/tmp/ws", "templates", "index.html"), g.Path("templates/index.html"))
}

func TestErrorBundle(t *testing.T) {
	b := ErrorBundle{"Missing: #chat-container", "Missing: #message-form"}
	assert.Equal(t, "Missing: #chat-container; Missing: #message-form", b.String())
	assert.Equal(t, b, SplitBundle(b.String()))
	assert.Nil(t, SplitBundle("  "))
}
