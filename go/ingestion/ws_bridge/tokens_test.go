package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTokens(t *testing.T) {
	csv := "instrument_token,tradingsymbol,exchange\n" +
		"256265,xauusd,MCX\n" +
		"bad,EURUSD,FX\n" +
		"738561, reliance ,NSE\n" +
		"12\n"
	tokens, bySym, err := parseTokens(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, []uint32{256265, 738561}, tokens)
	assert.Equal(t, "XAUUSD", bySym[256265])
	assert.Equal(t, "RELIANCE", bySym[738561])
}

func TestParseTokensRequiresColumns(t *testing.T) {
	_, _, err := parseTokens(strings.NewReader("token,symbol\n1,A\n"))
	assert.Error(t, err)
	_, _, err = parseTokens(strings.NewReader(""))
	assert.Error(t, err)
}

func TestParseSymbols(t *testing.T) {
	syms, err := parseSymbols(strings.NewReader("TradingSymbol\nxauusd\n\neurusd\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"XAUUSD", "EURUSD"}, syms)
}

func TestChunkTokens(t *testing.T) {
	tokens := []uint32{1, 2, 3, 4, 5}
	assert.Equal(t, [][]uint32{{1, 2}, {3, 4}, {5}}, chunkTokens(tokens, 2))
	assert.Len(t, chunkTokens(tokens, 0), 1)
	assert.Empty(t, chunkTokens(nil, 10))
}

func TestLoadAccessToken(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "token.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"access_token":"abc","user":"x"}`), 0o600))
	tok, err := loadAccessToken(good)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{}`), 0o600))
	_, err = loadAccessToken(empty)
	assert.Error(t, err)

	_, err = loadAccessToken("")
	assert.Error(t, err)
}

func TestBuildSourceSimUsesSymbolOverride(t *testing.T) {
	src, err := buildSource(Config{SimTicks: true, SimSymbols: "xauusd, eurusd"}, nil, ingestMetrics{})
	require.NoError(t, err)
	sim, ok := src.(*SimSource)
	require.True(t, ok)
	assert.Equal(t, []string{"XAUUSD", "EURUSD"}, sim.symbols)
}

func TestBuildSourceLiveNeedsAPIKey(t *testing.T) {
	_, err := buildSource(Config{}, nil, ingestMetrics{})
	assert.Error(t, err)
}
