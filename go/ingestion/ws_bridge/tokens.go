package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"market-engine/go/pkg/shared"
)

func buildSource(cfg Config, logger shared.Logger, m ingestMetrics) (TickSource, error) {
	if cfg.SimTicks {
		syms := shared.SplitList(strings.ToUpper(cfg.SimSymbols))
		if len(syms) == 0 {
			var err error
			syms, err = readSymbols(cfg.TokensCSV)
			if err != nil {
				return nil, err
			}
		}
		return &SimSource{
			symbols:   syms,
			baseTPS:   cfg.SimBaseTPS,
			hotTPS:    cfg.SimHotTPS,
			hotPct:    cfg.SimHotPct,
			hotRotate: time.Duration(cfg.SimHotRotate) * time.Second,
			step:      time.Duration(cfg.SimStepMs) * time.Millisecond,
			basePrice: cfg.SimBasePrice,
			spread:    cfg.SimSpread,
		}, nil
	}

	if cfg.APIKey == "" {
		return nil, errors.New("KITE_API_KEY required for live websocket")
	}
	access := cfg.AccessToken
	if access == "" {
		var err error
		access, err = loadAccessToken(cfg.TokenJSON)
		if err != nil {
			return nil, err
		}
	}

	f, err := os.Open(cfg.TokensCSV)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tokens, tokenToSym, err := parseTokens(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.TokensCSV, err)
	}

	return &KiteWSSource{
		apiKey:      cfg.APIKey,
		accessToken: access,
		mode:        kiteMode(cfg.KiteMode),
		tokens:      tokens,
		tokenToSym:  tokenToSym,
		log:         logger,
		metrics:     m,
	}, nil
}

func readSymbols(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	syms, err := parseSymbols(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return syms, nil
}

// parseSymbols reads the tradingsymbol column.
func parseSymbols(r io.Reader) ([]string, error) {
	rows, err := readRows(r)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("tokens csv empty")
	}
	colSym := -1
	for i, h := range rows[0] {
		if strings.EqualFold(strings.TrimSpace(h), "tradingsymbol") {
			colSym = i
			break
		}
	}
	if colSym == -1 {
		return nil, errors.New("tradingsymbol column missing")
	}
	out := make([]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if colSym < len(row) {
			if s := strings.ToUpper(strings.TrimSpace(row[colSym])); s != "" {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

// parseTokens reads instrument_token/tradingsymbol pairs. Rows with a bad token are skipped.
func parseTokens(r io.Reader) ([]uint32, map[uint32]string, error) {
	rows, err := readRows(r)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, errors.New("tokens csv empty")
	}
	colTok, colSym := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "instrument_token":
			colTok = i
		case "tradingsymbol":
			colSym = i
		}
	}
	if colTok == -1 || colSym == -1 {
		return nil, nil, errors.New("instrument_token/tradingsymbol columns required")
	}
	tokens := make([]uint32, 0, len(rows)-1)
	tokenToSym := make(map[uint32]string)
	for _, row := range rows[1:] {
		if colTok >= len(row) || colSym >= len(row) {
			continue
		}
		sym := strings.ToUpper(strings.TrimSpace(row[colSym]))
		tok64, err := strconv.ParseUint(strings.TrimSpace(row[colTok]), 10, 32)
		if err != nil || sym == "" {
			continue
		}
		tok := uint32(tok64)
		tokens = append(tokens, tok)
		tokenToSym[tok] = sym
	}
	return tokens, tokenToSym, nil
}

func readRows(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	return cr.ReadAll()
}

func loadAccessToken(path string) (string, error) {
	if path == "" {
		return "", errors.New("token path empty")
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var doc struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", err
	}
	if doc.AccessToken == "" {
		return "", errors.New("access_token missing in token file")
	}
	return doc.AccessToken, nil
}

func chunkTokens(tokens []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = 200
	}
	out := [][]uint32{}
	for i := 0; i < len(tokens); i += size {
		out = append(out, tokens[i:min(i+size, len(tokens))])
	}
	return out
}
