package models

import (
	"fmt"
	"strings"
	"time"
)

// MaxSymbolLength is the widest symbol the instruments table accepts
const MaxSymbolLength = 20

// AssetType tags the kind of tradable asset
type AssetType string

// Asset type constants
const (
	AssetTypeEquity AssetType = "equity"
	AssetTypeIndex  AssetType = "index"
	AssetTypeCrypto AssetType = "crypto"
)

// Valid reports whether the asset type is one of the supported tags
func (a AssetType) Valid() bool {
	switch a {
	case AssetTypeEquity, AssetTypeIndex, AssetTypeCrypto:
		return true
	}
	return false
}

// Instrument represents a tradable asset tracked by the ingestor
type Instrument struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	AssetType AssetType `json:"asset_type"`
	Exchange  string    `json:"exchange,omitempty"`
	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeSymbol trims and upper-cases a ticker symbol and checks its length
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", fmt.Errorf("symbol is required")
	}
	if len(s) > MaxSymbolLength {
		return "", fmt.Errorf("symbol %q exceeds %d characters", s, MaxSymbolLength)
	}
	return s, nil
}
