package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const (
	// Plausible desktop browser; the retailer rejects obvious bot agents.
	apiUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:88.0) Gecko/20100101 Firefox/88.0"
	apiTimeout   = 10 * time.Second
)

// errSessionExpired reports that a direct API call was rejected as
// unauthorized; the worker re-authenticates and retries the product.
var errSessionExpired = errors.New("session no longer authorized")

// SchemaError reports a response whose shape does not match what the client
// expects. Fatal for the run: retrying will not change the retailer's API.
type SchemaError struct {
	Endpoint string
	Err      error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("unexpected response shape from %s: %v", e.Endpoint, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// StoreAPI is the direct HTTP client bridged from a browser session. It
// carries only the allow-listed auth cookies; everything else the browser
// accumulated stays behind.
type StoreAPI struct {
	client  *http.Client
	baseURL string
	cookies []*http.Cookie
	log     *zap.SugaredLogger
}

func filterAuthCookies(cookies []Cookie, allowed []string) []Cookie {
	keep := make([]Cookie, 0, len(allowed))
	for _, c := range cookies {
		for _, name := range allowed {
			if strings.EqualFold(c.Name, name) {
				keep = append(keep, c)
				break
			}
		}
	}
	return keep
}

// NewStoreAPI builds the API client from a session's cookie set. The
// retailer's API only answers HTTP/2, negotiated over TLS ALPN, so the
// transport is configured for it explicitly.
func NewStoreAPI(cookies []Cookie, cfg *Config, log *zap.SugaredLogger) (*StoreAPI, error) {
	tr := &http.Transport{
		ForceAttemptHTTP2: true,
		TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}

	filtered := filterAuthCookies(cookies, cfg.AuthCookies)
	jar := make([]*http.Cookie, 0, len(filtered))
	for _, c := range filtered {
		jar = append(jar, &http.Cookie{Name: c.Name, Value: c.Value})
	}

	log.Debugw("session bridged", "cookies", len(jar))

	return &StoreAPI{
		client: &http.Client{
			Timeout:   apiTimeout,
			Transport: tr,
		},
		baseURL: cfg.BaseURL,
		cookies: jar,
		log:     log,
	}, nil
}

func (s *StoreAPI) newRequest(method, path string, query url.Values, body any) (*http.Request, error) {
	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", apiUserAgent)
	req.Header.Set("Origin", s.baseURL)
	req.Header.Set("Referer", s.baseURL)
	req.Header.Set("Accept-Language", "en-US")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range s.cookies {
		req.AddCookie(c)
	}

	return req, nil
}

// do sends the request and decodes a JSON response into out when non-nil.
// A raw body can be read instead by passing an *[]byte.
func (s *StoreAPI) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", req.URL.Path, errSessionExpired)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s returned HTTP %d", req.URL.Path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if raw, ok := out.(*[]byte); ok {
		*raw = data
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &SchemaError{Endpoint: req.URL.Path, Err: err}
	}
	return nil
}

type PriceInfo struct {
	RegularPrice  float64 `json:"regularPrice"`
	CurrentPrice  float64 `json:"currentPrice"`
	CustomerPrice float64 `json:"customerPrice"`
}

type ItemInfo struct {
	SKU         string
	Name        string
	URL         string
	ImageURL    string
	Description string
	Price       PriceInfo
}

// ItemPrice looks up current pricing for a SKU.
func (s *StoreAPI) ItemPrice(sku string) (*PriceInfo, error) {
	query := url.Values{
		"skuId":                      {sku},
		"catalog":                    {"bby"},
		"context":                    {"product-carousel-v2"},
		"includeOpenboxPrice":        {"false"},
		"includeExpirationTimeStamp": {"true"},
		"salesChannel":               {"LargeView"},
	}

	req, err := s.newRequest(http.MethodGet, "/pricing/v1/price/item", query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-CLIENT-ID", "lib-price-browser")

	var info PriceInfo
	if err := s.do(req, &info); err != nil {
		return nil, fmt.Errorf("item price for %s: %w", sku, err)
	}
	return &info, nil
}

// ItemInfo fetches descriptive metadata for a SKU, including its price.
func (s *StoreAPI) ItemInfo(sku string) (*ItemInfo, error) {
	price, err := s.ItemPrice(sku)
	if err != nil {
		return nil, err
	}

	paths := fmt.Sprintf(`[
		["shop","magellan","v2","product","skus",%[1]s,"names","short"],
		["shop","magellan","v1","sites","skuId",%[1]s,"sites","bbypres","relativePdpUrl"],
		["shop","magellan","v2","product","skus",%[1]s,"images","0"],
		["shop","magellan","v2","product","skus",%[1]s,"descriptions","long"]
	]`, sku)

	query := url.Values{
		"method": {"get"},
		"paths":  {paths},
	}

	req, err := s.newRequest(http.MethodGet, "/api/tcfb/model.json", query, nil)
	if err != nil {
		return nil, err
	}

	var graph map[string]any
	if err := s.do(req, &graph); err != nil {
		return nil, fmt.Errorf("item info for %s: %w", sku, err)
	}

	skus := []string{"jsonGraph", "shop", "magellan", "v2", "product", "skus", sku}
	name, err := jsonString(graph, append(skus, "names", "short", "value")...)
	if err != nil {
		return nil, &SchemaError{Endpoint: "/api/tcfb/model.json", Err: err}
	}
	relURL, err := jsonString(graph, "jsonGraph", "shop", "magellan", "v1", "sites", "skuId", sku, "sites", "bbypres", "relativePdpUrl", "value")
	if err != nil {
		return nil, &SchemaError{Endpoint: "/api/tcfb/model.json", Err: err}
	}
	imageURL, err := jsonString(graph, append(skus, "images", "0", "value", "href")...)
	if err != nil {
		return nil, &SchemaError{Endpoint: "/api/tcfb/model.json", Err: err}
	}
	description, err := jsonString(graph, append(skus, "descriptions", "long", "value")...)
	if err != nil {
		return nil, &SchemaError{Endpoint: "/api/tcfb/model.json", Err: err}
	}

	return &ItemInfo{
		SKU:         sku,
		Name:        name,
		URL:         s.baseURL + relURL,
		ImageURL:    imageURL,
		Description: description,
		Price:       *price,
	}, nil
}

// jsonString walks nested JSON objects by key and returns the string leaf.
func jsonString(m map[string]any, keys ...string) (string, error) {
	var cur any = m
	for i, key := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("path %s: not an object at %q", strings.Join(keys, "."), keys[i])
		}
		cur, ok = obj[key]
		if !ok {
			return "", fmt.Errorf("path %s: missing key %q", strings.Join(keys, "."), key)
		}
	}
	str, ok := cur.(string)
	if !ok {
		return "", fmt.Errorf("path %s: not a string", strings.Join(keys, "."))
	}
	return str, nil
}

// InStock probes availability by fetching the add-to-cart button component
// and checking its label.
func (s *StoreAPI) InStock(sku string) (bool, error) {
	query := url.Values{"skuId": {sku}}

	req, err := s.newRequest(http.MethodGet, "/site/canopy/component/fulfillment/add-to-cart-button/v1", query, nil)
	if err != nil {
		return false, err
	}

	var raw []byte
	if err := s.do(req, &raw); err != nil {
		return false, fmt.Errorf("stock probe for %s: %w", sku, err)
	}

	inStock := bytes.Contains(raw, []byte("Add to Cart"))
	s.log.Debugw("stock probe", "sku", sku, "inStock", inStock)
	return inStock, nil
}

type CartSummary struct {
	ProductTotal string `json:"productTotal"`
	OrderTotal   string `json:"orderTotal"`
}

type CartItemPrice struct {
	LinePrice    string `json:"linePrice"`
	RegularPrice string `json:"regularPrice"`
}

type CartContents struct {
	ID            string         `json:"id"`
	CartItemCount string         `json:"cartItemCount"`
	LineItems     []CartLineItem `json:"lineItems"`
	OrderSummary  CartSummary    `json:"orderSummary"`
}

type CartLineItem struct {
	ID       string       `json:"id"`
	Quantity int          `json:"quantity"`
	Digital  bool         `json:"digital"`
	Item     CartItemInfo `json:"item"`
}

type CartItemInfo struct {
	SkuID        string            `json:"skuId"`
	ShortLabel   string            `json:"shortLabel"`
	ItemURL      string            `json:"itemUrl"`
	Price        CartItemPrice     `json:"price"`
	Fulfillments []CartFulfillment `json:"fulfillments"`
}

type FulfillmentStore struct {
	StoreID      string `json:"storeId"`
	StoreName    string `json:"storeName"`
	StoreAddress string `json:"storeAddress"`
	StoreCity    string `json:"storeCity"`
	StoreState   string `json:"storeState"`
	StoreZipCode string `json:"storeZipCode"`
}

type ShippingFulfillment struct {
	Zipcode             string `json:"zipcode"`
	MinDate             int64  `json:"minDate"`
	MaxDate             int64  `json:"maxDate"`
	DaysTillFulfillment int    `json:"daysTillFulfillment"`
	Price               string `json:"price"` // "FREE" for free shipping
	Selected            bool   `json:"selected"`
	IsPreOrder          bool   `json:"isPreOrder"`
}

type PickupFulfillment struct {
	DaysTillPickup      string           `json:"daysTillPickup"`
	PickupDate          string           `json:"pickupDate"`
	PickUpToday         bool             `json:"pickUpToday"`
	IsCurbsideAvailable bool             `json:"isCurbsideAvailable"`
	Selected            bool             `json:"selected"`
	Store               FulfillmentStore `json:"store"`
}

// CartFulfillment is the typeCode-tagged union the cart API returns for each
// line item: exactly one of Shipping or Pickup is set.
type CartFulfillment struct {
	Shipping *ShippingFulfillment
	Pickup   *PickupFulfillment
}

func (f *CartFulfillment) UnmarshalJSON(data []byte) error {
	var tag struct {
		TypeCode string `json:"typeCode"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}

	switch tag.TypeCode {
	case "SHIPPING":
		var v ShippingFulfillment
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		f.Shipping = &v
	case "IN_STORE_PICKUP":
		var v PickupFulfillment
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		f.Pickup = &v
	default:
		return &SchemaError{
			Endpoint: "/cart/json",
			Err:      fmt.Errorf("unknown fulfillment typeCode %q", tag.TypeCode),
		}
	}
	return nil
}

// Cart fetches the current cart contents.
func (s *StoreAPI) Cart() (*CartContents, error) {
	req, err := s.newRequest(http.MethodGet, "/cart/json", nil, nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Cart *CartContents `json:"cart"`
	}
	if err := s.do(req, &envelope); err != nil {
		return nil, fmt.Errorf("fetch cart: %w", err)
	}
	if envelope.Cart == nil {
		return nil, &SchemaError{Endpoint: "/cart/json", Err: fmt.Errorf("missing cart envelope")}
	}
	return envelope.Cart, nil
}

// CartCount returns the number of items in the cart.
func (s *StoreAPI) CartCount() (int, error) {
	req, err := s.newRequest(http.MethodGet, "/basket/v1/basketCount", nil, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-CLIENT-ID", "browse")

	var resp struct {
		Count int `json:"count"`
	}
	if err := s.do(req, &resp); err != nil {
		return 0, fmt.Errorf("cart count: %w", err)
	}

	s.log.Debugw("cart count", "count", resp.Count)
	return resp.Count, nil
}

// AddToCart adds a single unit of the SKU to the cart.
func (s *StoreAPI) AddToCart(sku string) error {
	body := map[string]any{
		"items": []map[string]string{
			{"skuId": sku},
		},
	}

	req, err := s.newRequest(http.MethodPost, "/cart/api/v1/addToCart", nil, body)
	if err != nil {
		return err
	}

	if err := s.do(req, nil); err != nil {
		return fmt.Errorf("add %s to cart: %w", sku, err)
	}

	s.log.Debugw("added to cart", "sku", sku)
	return nil
}

// RemoveFromCart removes one cart line item by id.
func (s *StoreAPI) RemoveFromCart(itemID string) error {
	req, err := s.newRequest(http.MethodDelete, "/cart/item/"+itemID, nil, nil)
	if err != nil {
		return err
	}

	if err := s.do(req, nil); err != nil {
		return fmt.Errorf("remove cart item %s: %w", itemID, err)
	}
	return nil
}

// ClearCart removes every line item so the run starts from a known cart.
func (s *StoreAPI) ClearCart() error {
	cart, err := s.Cart()
	if err != nil {
		return err
	}

	for _, line := range cart.LineItems {
		if err := s.RemoveFromCart(line.ID); err != nil {
			return err
		}
	}

	s.log.Debugw("cart cleared", "items", len(cart.LineItems))
	return nil
}
