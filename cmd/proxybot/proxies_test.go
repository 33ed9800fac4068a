package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxybot/internal/proxy"
)

func TestParseID(t *testing.T) {
	id, err := parseID("#12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	for _, bad := range []string{"", "0", "-3", "abc"} {
		_, err := parseID(bad)
		assert.Error(t, err, bad)
	}
}

func TestParamsFromArgs(t *testing.T) {
	p, err := paramsFromArgs([]string{"tg://proxy?server=a.example&port=443&secret=ee", "Paris"}, "", 0, "")
	require.NoError(t, err)
	assert.Equal(t, proxy.Params{Location: "Paris", Server: "a.example", Port: 443, Secret: "ee"}, p)

	p, err = paramsFromArgs([]string{"Oslo"}, "b.example", 8443, "ff")
	require.NoError(t, err)
	assert.Equal(t, proxy.Params{Location: "Oslo", Server: "b.example", Port: 8443, Secret: "ff"}, p)

	_, err = paramsFromArgs([]string{"Oslo"}, "", 0, "")
	assert.Error(t, err)

	_, err = paramsFromArgs([]string{"https://example.com/", "Oslo"}, "", 0, "")
	assert.ErrorIs(t, err, proxy.ErrInvalidLink)
}

func TestPrintProxies(t *testing.T) {
	var buf bytes.Buffer
	printProxies(&buf, []proxy.Proxy{{ID: 3, Location: "Rome", Server: "r.example", Port: 443, Active: true, UsageCount: 9}})
	out := buf.String()
	assert.Contains(t, out, "LOCATION")
	assert.Contains(t, out, "r.example:443")
	assert.Contains(t, out, "Rome")
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestProxiesCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	body := "telegram:\n  token: \"1:x\"\nstorage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "cli.db") + "\n"
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o600))

	assert.Contains(t, run(t, "-c", cfg, "db", "migrate"), "schema up to date")

	out := run(t, "-c", cfg, "proxies", "add", "https://t.me/proxy?server=fra.example&port=443&secret=ee", "Frankfurt")
	assert.Contains(t, out, "registered: #1")
	out = run(t, "-c", cfg, "proxies", "add", "https://t.me/proxy?server=FRA.example&port=443&secret=ee", "Frankfurt")
	assert.Contains(t, out, "already present: FRA.example:443")

	assert.Contains(t, run(t, "-c", cfg, "proxies", "toggle", "1"), "now inactive")
	out = run(t, "-c", cfg, "proxies", "list", "--active")
	assert.NotContains(t, out, "fra.example")
	activeOnly = false

	out = run(t, "-c", cfg, "proxies", "list")
	assert.Contains(t, out, "Frankfurt")
	assert.Contains(t, run(t, "-c", cfg, "proxies", "reset", "1"), "usage reset")
	assert.Contains(t, run(t, "-c", cfg, "proxies", "rm", "1"), "removed")
	assert.NotContains(t, run(t, "-c", cfg, "proxies", "list"), "Frankfurt")
}
