package chain

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Info describes a supported chain.
type Info struct {
	ID           Chain  `yaml:"-" json:"id"`
	Name         string `yaml:"name" json:"name"`
	RPCEnv       string `yaml:"rpc_env" json:"-"`
	RPCURL       string `yaml:"rpc_url" json:"-"`
	ExplorerBase string `yaml:"explorer" json:"explorer"`
	Symbol       string `yaml:"symbol" json:"symbol"`
	Decimals     int32  `yaml:"decimals" json:"decimals"`
}

// ExplorerURL returns the block explorer page for addr.
func (i Info) ExplorerURL(addr string) string {
	return strings.TrimRight(i.ExplorerBase, "/") + "/" + addr
}

// Configured reports whether an RPC endpoint is known for the chain.
func (i Info) Configured() bool { return i.RPCURL != "" }

var defaultChains = []Info{
	{ID: Ethereum, Name: "Ethereum", RPCEnv: "ETH_RPC_URL", ExplorerBase: "https://etherscan.io/address/", Symbol: "ETH", Decimals: 18},
	{ID: Base, Name: "Base", RPCEnv: "BASE_RPC_URL", ExplorerBase: "https://basescan.org/address/", Symbol: "ETH", Decimals: 18},
	{ID: Avalanche, Name: "Avalanche C-Chain", RPCEnv: "AVAX_RPC_URL", ExplorerBase: "https://snowtrace.io/address/", Symbol: "AVAX", Decimals: 18},
}

// Catalog is the immutable set of supported chains.
type Catalog struct {
	order []Chain
	byID  map[Chain]Info
}

type catalogFile struct {
	Chains map[string]Info `yaml:"chains"`
}

// DefaultCatalog returns eth, base and avax with RPC URLs resolved through
// getenv. A nil getenv uses os.Getenv.
func DefaultCatalog(getenv func(string) string) *Catalog {
	c, _ := newCatalog(nil, getenv)
	return c
}

// LoadCatalog reads chain overrides and additions from a YAML file on top
// of the defaults. An empty path yields the defaults.
//
//	chains:
//	  polygon:
//	    name: Polygon
//	    rpc_env: POLYGON_RPC_URL
//	    explorer: https://polygonscan.com/address/
//	    symbol: POL
//	    decimals: 18
func LoadCatalog(path string, getenv func(string) string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(getenv), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse chains file %s: %w", path, err)
	}
	return newCatalog(f.Chains, getenv)
}

func newCatalog(extra map[string]Info, getenv func(string) string) (*Catalog, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := &Catalog{byID: make(map[Chain]Info)}
	for _, info := range defaultChains {
		c.order = append(c.order, info.ID)
		c.byID[info.ID] = info
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		id := Chain(strings.ToLower(strings.TrimSpace(k)))
		if id == "" {
			return nil, fmt.Errorf("chains file: empty chain id")
		}
		next := extra[k]
		cur, exists := c.byID[id]
		if !exists {
			c.order = append(c.order, id)
			cur = Info{Decimals: 18}
		}
		cur.ID = id
		if next.Name != "" {
			cur.Name = next.Name
		}
		if next.RPCEnv != "" {
			cur.RPCEnv = next.RPCEnv
		}
		if next.RPCURL != "" {
			cur.RPCURL = next.RPCURL
		}
		if next.ExplorerBase != "" {
			cur.ExplorerBase = next.ExplorerBase
		}
		if next.Symbol != "" {
			cur.Symbol = next.Symbol
		}
		if next.Decimals > 0 {
			cur.Decimals = next.Decimals
		}
		if cur.Name == "" {
			cur.Name = string(id)
		}
		if cur.ExplorerBase == "" {
			return nil, fmt.Errorf("chains file: %s has no explorer", id)
		}
		c.byID[id] = cur
	}

	for id, info := range c.byID {
		if info.RPCEnv != "" {
			if v := strings.TrimSpace(getenv(info.RPCEnv)); v != "" {
				info.RPCURL = v
			}
		}
		c.byID[id] = info
	}
	return c, nil
}

// Lookup returns the chain's Info or ErrUnsupportedChain.
func (c *Catalog) Lookup(id Chain) (Info, error) {
	info, ok := c.byID[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrUnsupportedChain, string(id))
	}
	return info, nil
}

// Parse normalizes user input ("ETH ", "Base") into a supported Chain.
func (c *Catalog) Parse(s string) (Chain, error) {
	id := Chain(strings.ToLower(strings.TrimSpace(s)))
	if _, err := c.Lookup(id); err != nil {
		return "", err
	}
	return id, nil
}

// All returns every chain in catalogue order.
func (c *Catalog) All() []Info {
	out := make([]Info, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
