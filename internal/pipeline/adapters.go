package pipeline

import (
	"net/http"
	"strings"

	"qingxi/config"
	"qingxi/internal/metrics/rate"
	"qingxi/models"
	"qingxi/reader"
	"qingxi/reader/binance"
	"qingxi/reader/bybit"
	"qingxi/reader/okx"
)

// NewRegistry builds one adapter per exchange named by the enabled sources.
// An exchange without an adapter fails here, at configuration time. Each
// adapter's REST traffic is watched for used weight and rate limit replies.
func NewRegistry(cfg *config.Config, httpClient *http.Client) (*reader.Registry, error) {
	reg := reader.NewRegistry()
	for _, src := range cfg.EnabledSources() {
		if _, err := reg.Get(src.Exchange); err == nil {
			continue
		}
		a, err := newAdapter(src, httpClient)
		if err != nil {
			return nil, err
		}
		reg.Register(a)
	}
	return reg, nil
}

func newAdapter(src config.SourceConfig, httpClient *http.Client) (reader.ExchangeAdapter, error) {
	id := strings.ToLower(src.Exchange)
	httpClient = rate.NewClient(httpClient, id, "")
	switch id {
	case binance.ExchangeID:
		return binance.New(httpClient, src.RESTURL), nil
	case bybit.ExchangeID:
		return bybit.New(httpClient, src.RESTURL), nil
	case okx.ExchangeID:
		return okx.New(httpClient, src.RESTURL, src.InstType), nil
	default:
		return nil, models.NewError(models.ErrUnsupported, src.Exchange, "adapter", models.ErrUnknownExchange)
	}
}

func defaultWSURL(exchange string) string {
	switch strings.ToLower(exchange) {
	case binance.ExchangeID:
		return binance.DefaultWSURL
	case bybit.ExchangeID:
		return bybit.DefaultWSURL
	case okx.ExchangeID:
		return okx.DefaultWSURL
	default:
		return ""
	}
}
