package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
addr: ":0"
base_dir: %s
cloud:
  cloud_name: demo
  api_key: "123"
  api_secret: abcd
`

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := strings.Replace(testConfig, "%s", dir, 1)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", path}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestDeliveryURLCommand(t *testing.T) {
	out, err := runCmd(t, "delivery-url", "sample", "--format", "jpg", "-t", "c_fill,w_100")
	require.NoError(t, err)
	assert.Equal(t, "http://res.cloudinary.com/demo/image/upload/c_fill,w_100/sample.jpg\n", out)
}

func TestSignCommand(t *testing.T) {
	out, err := runCmd(t, "sign", "public_id=sample_image", "timestamp=1315060510")
	require.NoError(t, err)
	assert.Equal(t,
		"public_id=sample_image&timestamp=1315060510\nb4ad47fb4e25c7bf5f92a20089f9db59bc302313\n",
		out,
	)
}

func TestSignCommand_BadArgument(t *testing.T) {
	_, err := runCmd(t, "sign", "novalue")
	assert.Error(t, err)
}
