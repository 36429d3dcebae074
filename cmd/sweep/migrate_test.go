package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.db")

	steps := []struct {
		args []string
		want string
	}{
		{[]string{"status"}, "version 0, dirty false"},
		{[]string{"up"}, "version 2, dirty false"},
		{[]string{"down"}, "version 1, dirty false"},
		{[]string{"force", "2"}, "version 2, dirty false"},
	}
	for _, s := range steps {
		var out bytes.Buffer
		require.NoError(t, runMigrate(append([]string{"-journal", path}, s.args...), &out), s.args)
		assert.Contains(t, out.String(), s.want, s.args)
	}
}

func TestRunMigrate_BadArgs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.db")
	for _, args := range [][]string{
		{},
		{"sideways"},
		{"force"},
		{"force", "two"},
	} {
		err := runMigrate(append([]string{"-journal", path}, args...), &bytes.Buffer{})
		assert.Error(t, err, args)
	}
}
