package venue

import (
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"

	xerrors "PerpPilot-Chain/internal/errors"
)

// MarketDefinitions models the structure of configs/markets.yaml.
type MarketDefinitions struct {
	Markets []MarketDefinition `yaml:"markets"`
}

// MarketDefinition describes a single tradable market entry.
type MarketDefinition struct {
	MarketIndex       uint16 `yaml:"market_index"`
	Symbol            string `yaml:"symbol"`
	MinOrderIncrement uint64 `yaml:"min_order_increment"`
	Decimals          uint8  `yaml:"decimals"`
	QuoteMarketIndex  uint16 `yaml:"quote_market_index"`
	Oracle            string `yaml:"oracle"`
	Mint              string `yaml:"mint"`
	Vault             string `yaml:"vault"`
	MarketAccount     string `yaml:"market_account"`
	QuoteMarket       string `yaml:"quote_market"`
}

// Catalog 保存全部市场描述，按市场索引查询。
type Catalog struct {
	markets map[uint16]*MarketDescriptor
}

// LoadCatalog parses the YAML file containing market metadata.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "市场目录路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取市场目录失败: %w", err)
	}
	var defs MarketDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return nil, fmt.Errorf("解析市场目录失败: %w", err)
	}
	return NewCatalog(defs)
}

// NewCatalog 根据定义构造市场目录，并校验所有公钥字段。
func NewCatalog(defs MarketDefinitions) (*Catalog, error) {
	markets := make(map[uint16]*MarketDescriptor, len(defs.Markets))
	for _, def := range defs.Markets {
		if def.Symbol == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("市场 %d 缺少 symbol", def.MarketIndex))
		}
		descriptor := &MarketDescriptor{
			MarketIndex:       def.MarketIndex,
			Symbol:            def.Symbol,
			MinOrderIncrement: def.MinOrderIncrement,
			Decimals:          def.Decimals,
			QuoteMarketIndex:  def.QuoteMarketIndex,
		}
		for _, field := range []struct {
			name  string
			value string
			dst   *solana.PublicKey
		}{
			{"oracle", def.Oracle, &descriptor.Oracle},
			{"mint", def.Mint, &descriptor.Mint},
			{"vault", def.Vault, &descriptor.Vault},
			{"market_account", def.MarketAccount, &descriptor.MarketAccount},
			{"quote_market", def.QuoteMarket, &descriptor.QuoteMarket},
		} {
			if strings.TrimSpace(field.value) == "" {
				continue
			}
			key, err := solana.PublicKeyFromBase58(field.value)
			if err != nil {
				return nil, fmt.Errorf("市场 %s 的 %s 非法: %w", def.Symbol, field.name, err)
			}
			*field.dst = key
		}
		if _, ok := markets[def.MarketIndex]; ok {
			return nil, xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("市场索引 %d 重复", def.MarketIndex))
		}
		markets[def.MarketIndex] = descriptor
	}
	return &Catalog{markets: markets}, nil
}

// Descriptor 返回指定索引的市场描述。
func (c *Catalog) Descriptor(marketIndex uint16) (*MarketDescriptor, bool) {
	if c == nil {
		return nil, false
	}
	descriptor, ok := c.markets[marketIndex]
	if !ok {
		return nil, false
	}
	clone := *descriptor
	return &clone, true
}

// Symbols 返回目录内全部市场符号，用于诊断输出。
func (c *Catalog) Symbols() []string {
	if c == nil {
		return nil
	}
	symbols := make([]string, 0, len(c.markets))
	for _, m := range c.markets {
		symbols = append(symbols, m.Symbol)
	}
	return symbols
}
