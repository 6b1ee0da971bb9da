// Package testutil provides a mock CRM server for tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

const (
	tokenPath      = "/v2/token"
	assetQueryPath = "/asset/v1/content/assets/query"
)

// MockAsset is one asset as served by the mock asset list endpoint.
type MockAsset struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// MockPage is a canned asset list response. PageSize is what the server
// reports, independent of len(Items).
type MockPage struct {
	Items    []MockAsset
	PageSize int
}

// MockResponse forces a status code and raw body for an endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
}

// TokenRequest is the decoded body of a token request.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
	AccountID    string `json:"account_id"`
}

type assetQuery struct {
	Page struct {
		Page     int `json:"page"`
		PageSize int `json:"pageSize"`
	} `json:"page"`
}

// MockCRM serves the token endpoint and the asset list endpoint from one
// httptest server. The instance URL handed out in token responses points
// back at the same server.
type MockCRM struct {
	server *httptest.Server
	mu     sync.Mutex

	accessToken   string
	expiresIn     int64
	tokenOverride *MockResponse
	pages         []MockPage
	pageFailures  map[int]MockResponse

	tokenRequests    []TokenRequest
	tokenContentType string
	requestedPages   []int
	requestedSizes   []int
	authHeaders      []string
	orderParams      []string
}

// NewMockCRM starts a mock server that issues "test-token" valid for an hour.
func NewMockCRM() *MockCRM {
	m := &MockCRM{
		accessToken:  "test-token",
		expiresIn:    3600,
		pageFailures: make(map[int]MockResponse),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, m.handleToken)
	mux.HandleFunc(assetQueryPath, m.handleAssetQuery)
	m.server = httptest.NewServer(mux)

	return m
}

// URL returns the mock server URL.
func (m *MockCRM) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCRM) Close() {
	m.server.Close()
}

// SetToken changes the token and lifetime returned by later token requests.
func (m *MockCRM) SetToken(token string, expiresIn int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = token
	m.expiresIn = expiresIn
}

// SetTokenResponse makes the token endpoint answer with resp. Pass nil to
// restore normal behaviour.
func (m *MockCRM) SetTokenResponse(resp *MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenOverride = resp
}

// SetPages configures the asset list. Page n (1-based) is pages[n-1];
// pages beyond the list are empty with a reported size of 0.
func (m *MockCRM) SetPages(pages ...MockPage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = pages
}

// FailPage makes requests for page fail with resp.
func (m *MockCRM) FailPage(page int, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageFailures[page] = resp
}

// TokenRequests returns the decoded token requests received so far.
func (m *MockCRM) TokenRequests() []TokenRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TokenRequest(nil), m.tokenRequests...)
}

// TokenContentType returns the Content-Type of the last token request.
func (m *MockCRM) TokenContentType() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenContentType
}

// AssetRequestCount returns the number of asset list requests received.
func (m *MockCRM) AssetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requestedPages)
}

// RequestedPages returns the page numbers of asset list requests in order.
func (m *MockCRM) RequestedPages() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.requestedPages...)
}

// RequestedPageSizes returns the pageSize parameters in request order.
func (m *MockCRM) RequestedPageSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.requestedSizes...)
}

// AuthHeaders returns the Authorization headers of asset list requests.
func (m *MockCRM) AuthHeaders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.authHeaders...)
}

// OrderParams returns the order query parameter of each asset list request.
func (m *MockCRM) OrderParams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.orderParams...)
}

func (m *MockCRM) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TokenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	m.mu.Lock()
	m.tokenRequests = append(m.tokenRequests, req)
	m.tokenContentType = r.Header.Get("Content-Type")
	override := m.tokenOverride
	token, expiresIn := m.accessToken, m.expiresIn
	m.mu.Unlock()

	if override != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(override.StatusCode)
		w.Write([]byte(override.Body))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":      token,
		"expires_in":        expiresIn,
		"rest_instance_url": m.server.URL + "/",
	})
}

func (m *MockCRM) handleAssetQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var q assetQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "invalid query body", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.requestedPages = append(m.requestedPages, q.Page.Page)
	m.requestedSizes = append(m.requestedSizes, q.Page.PageSize)
	m.authHeaders = append(m.authHeaders, r.Header.Get("Authorization"))
	m.orderParams = append(m.orderParams, r.URL.Query().Get("order"))
	failure, failing := m.pageFailures[q.Page.Page]
	wantAuth := "Bearer " + m.accessToken
	var page MockPage
	if q.Page.Page >= 1 && q.Page.Page <= len(m.pages) {
		page = m.pages[q.Page.Page-1]
	}
	m.mu.Unlock()

	if r.Header.Get("Authorization") != wantAuth {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
		return
	}

	if failing {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(failure.StatusCode)
		w.Write([]byte(failure.Body))
		return
	}

	items := page.Items
	if items == nil {
		items = []MockAsset{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"pageSize": page.PageSize,
		"page":     q.Page.Page,
		"count":    len(items),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NewPage builds a page reporting size and carrying assets with ids
// firstID..firstID+count-1 named "asset".
func NewPage(size int, firstID int64, count int) MockPage {
	items := make([]MockAsset, 0, count)
	for i := 0; i < count; i++ {
		id := firstID + int64(i)
		items = append(items, MockAsset{ID: id, Name: "asset", Content: "content"})
	}
	return MockPage{Items: items, PageSize: size}
}
