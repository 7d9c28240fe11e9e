// Package brokersync pulls transactions and positions from the broker
// API and feeds them through the pipeline.
package brokersync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/optionledger/optionledger/internal/models"
	"github.com/optionledger/optionledger/internal/reconcile"
)

const pageSize = 250

// Client is an authenticated broker API client with retry, rate limiting
// and a circuit breaker in front of every call.
type Client struct {
	http    *retryablehttp.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	baseURL string
	token   string
}

// NewClient builds a broker client for one session token.
func NewClient(baseURL, token string, perSec float64, burst int) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.Logger = nil

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broker-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		http:    httpClient,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		baseURL: baseURL,
		token:   token,
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (any, error) {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("broker API %s: status %d", path, resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}

// transactionItem is the broker's wire shape for one transaction.
type transactionItem struct {
	ID                 int64           `json:"id"`
	AccountNumber      string          `json:"account-number"`
	OrderID            *int64          `json:"order-id"`
	Symbol             string          `json:"symbol"`
	UnderlyingSymbol   string          `json:"underlying-symbol"`
	Action             string          `json:"action"`
	InstrumentType     string          `json:"instrument-type"`
	TransactionType    string          `json:"transaction-type"`
	TransactionSubType string          `json:"transaction-sub-type"`
	Quantity           decimal.Decimal `json:"quantity"`
	Price              decimal.Decimal `json:"price"`
	Value              decimal.Decimal `json:"value"`
	Commission         decimal.Decimal `json:"commission"`
	ClearingFees       decimal.Decimal `json:"clearing-fees"`
	RegulatoryFees     decimal.Decimal `json:"regulatory-fees"`
	ExecutedAt         time.Time       `json:"executed-at"`
}

func (item *transactionItem) toRaw() models.RawTransaction {
	orderID := ""
	if item.OrderID != nil {
		orderID = strconv.FormatInt(*item.OrderID, 10)
	}
	return models.RawTransaction{
		ID:                 strconv.FormatInt(item.ID, 10),
		AccountNumber:      item.AccountNumber,
		OrderID:            orderID,
		Symbol:             item.Symbol,
		UnderlyingSymbol:   item.UnderlyingSymbol,
		Action:             models.Action(item.Action),
		InstrumentType:     models.NormalizeInstrument(item.InstrumentType),
		TransactionType:    item.TransactionType,
		TransactionSubType: item.TransactionSubType,
		Quantity:           item.Quantity,
		Price:              item.Price,
		Value:              item.Value,
		Fees:               item.Commission.Add(item.ClearingFees).Add(item.RegulatoryFees),
		ExecutedAt:         item.ExecutedAt,
	}
}

type transactionsPage struct {
	Data struct {
		Items []transactionItem `json:"items"`
	} `json:"data"`
	Pagination struct {
		PageOffset   int `json:"page-offset"`
		TotalPages   int `json:"total-pages"`
		TotalItems   int `json:"total-items"`
		CurrentCount int `json:"current-item-count"`
	} `json:"pagination"`
}

// FetchTransactions pulls every transaction for the account since the
// given time, following pagination.
func (c *Client) FetchTransactions(ctx context.Context, account string, since time.Time) ([]models.RawTransaction, error) {
	var out []models.RawTransaction
	for page := 0; ; page++ {
		query := url.Values{
			"start-date":  {since.UTC().Format(time.RFC3339)},
			"per-page":    {strconv.Itoa(pageSize)},
			"page-offset": {strconv.Itoa(page)},
			"sort":        {"Asc"},
		}
		var body transactionsPage
		path := fmt.Sprintf("/accounts/%s/transactions", account)
		if err := c.get(ctx, path, query, &body); err != nil {
			return nil, fmt.Errorf("fetch transactions page %d: %w", page, err)
		}
		for i := range body.Data.Items {
			out = append(out, body.Data.Items[i].toRaw())
		}
		if page+1 >= body.Pagination.TotalPages || len(body.Data.Items) == 0 {
			break
		}
	}
	return out, nil
}

type positionsPage struct {
	Data struct {
		Items []struct {
			AccountNumber     string          `json:"account-number"`
			Symbol            string          `json:"symbol"`
			Quantity          decimal.Decimal `json:"quantity"`
			QuantityDirection string          `json:"quantity-direction"`
		} `json:"items"`
	} `json:"data"`
}

// FetchPositions pulls the broker's current open positions for the
// account, with short positions as negative quantities.
func (c *Client) FetchPositions(ctx context.Context, account string) ([]reconcile.BrokerPosition, error) {
	var body positionsPage
	path := fmt.Sprintf("/accounts/%s/positions", account)
	if err := c.get(ctx, path, nil, &body); err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	out := make([]reconcile.BrokerPosition, 0, len(body.Data.Items))
	for _, item := range body.Data.Items {
		qty := item.Quantity
		if item.QuantityDirection == "Short" {
			qty = qty.Neg()
		}
		out = append(out, reconcile.BrokerPosition{
			AccountNumber: item.AccountNumber,
			Symbol:        item.Symbol,
			Quantity:      qty,
		})
	}
	return out, nil
}
