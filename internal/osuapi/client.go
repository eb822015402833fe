package osuapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// DefaultAuthURL is the osu! authorize endpoint.
	DefaultAuthURL = "https://osu.ppy.sh/oauth/authorize"
	// DefaultTokenURL is the osu! token endpoint.
	DefaultTokenURL = "https://osu.ppy.sh/oauth/token"
	// DefaultAPIBaseURL is the osu! API v2 root.
	DefaultAPIBaseURL = "https://osu.ppy.sh/api/v2"

	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// Config describes the registered osu! OAuth application.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// TokenSet is the result of a code exchange or token refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scopes       []string
}

// Counts are the beatmapset counters mirrored into users_osu_data.
type Counts struct {
	Ranked    int64
	Loved     int64
	Nominated int64
	Graveyard int64
	Guest     int64
}

// Profile is the subset of an osu! user the service persists.
type Profile struct {
	ID        int64
	Username  string
	AvatarURL string
	Counts    Counts
}

type userPayload struct {
	ID                       int64  `json:"id"`
	Username                 string `json:"username"`
	AvatarURL                string `json:"avatar_url"`
	RankedBeatmapsetCount    int64  `json:"ranked_beatmapset_count"`
	LovedBeatmapsetCount     int64  `json:"loved_beatmapset_count"`
	NominatedBeatmapsetCount int64  `json:"nominated_beatmapset_count"`
	GraveyardBeatmapsetCount int64  `json:"graveyard_beatmapset_count"`
	GuestBeatmapsetCount     int64  `json:"guest_beatmapset_count"`
}

func (payload userPayload) profile() Profile {
	return Profile{
		ID:        payload.ID,
		Username:  payload.Username,
		AvatarURL: payload.AvatarURL,
		Counts: Counts{
			Ranked:    payload.RankedBeatmapsetCount,
			Loved:     payload.LovedBeatmapsetCount,
			Nominated: payload.NominatedBeatmapsetCount,
			Graveyard: payload.GraveyardBeatmapsetCount,
			Guest:     payload.GuestBeatmapsetCount,
		},
	}
}

// Client talks to the osu! OAuth endpoints and the v2 API. It never retries.
type Client struct {
	oauthConfig *oauth2.Config
	apiBaseURL  string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewClient validates the configuration and applies defaults.
func NewClient(configuration Config) (*Client, error) {
	if strings.TrimSpace(configuration.ClientID) == "" {
		return nil, errors.New("osu_api.config: client id is required")
	}
	if strings.TrimSpace(configuration.ClientSecret) == "" {
		return nil, errors.New("osu_api.config: client secret is required")
	}
	if strings.TrimSpace(configuration.RedirectURL) == "" {
		return nil, errors.New("osu_api.config: redirect url is required")
	}
	authURL := firstNonEmpty(configuration.AuthURL, DefaultAuthURL)
	tokenURL := firstNonEmpty(configuration.TokenURL, DefaultTokenURL)
	apiBaseURL := strings.TrimRight(firstNonEmpty(configuration.APIBaseURL, DefaultAPIBaseURL), "/")
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURL,
			Scopes:       RequestedScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiBaseURL: apiBaseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// AuthorizeURL builds the redirect that starts the authorization-code flow.
func (client *Client) AuthorizeURL(state string) string {
	return client.oauthConfig.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for tokens and verifies the "public" scope was granted.
func (client *Client) ExchangeCode(ctx context.Context, code string) (TokenSet, error) {
	if strings.TrimSpace(code) == "" {
		return TokenSet{}, newProviderError("osu_api.exchange_code", 0, nil, ErrProviderRejected)
	}
	token, exchangeErr := client.oauthConfig.Exchange(client.oauthContext(ctx), code)
	if exchangeErr != nil {
		return TokenSet{}, classifyTokenError("osu_api.exchange_code", exchangeErr)
	}
	return client.tokenSet("osu_api.exchange_code", token)
}

// RefreshAccessToken obtains a new access token from a stored refresh token.
func (client *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (TokenSet, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenSet{}, newProviderError("osu_api.refresh_token", 0, nil, ErrProviderRejected)
	}
	source := client.oauthConfig.TokenSource(client.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, refreshErr := source.Token()
	if refreshErr != nil {
		return TokenSet{}, classifyTokenError("osu_api.refresh_token", refreshErr)
	}
	return client.tokenSet("osu_api.refresh_token", token)
}

// AuthenticatedUser fetches the profile of the token owner.
func (client *Client) AuthenticatedUser(ctx context.Context, accessToken string) (Profile, error) {
	return client.fetchProfile(ctx, "osu_api.me", accessToken, "/me")
}

// UserByID fetches an arbitrary user's public profile on behalf of the token owner.
func (client *Client) UserByID(ctx context.Context, accessToken string, userID int64) (Profile, error) {
	return client.fetchProfile(ctx, "osu_api.user_by_id", accessToken, "/users/"+strconv.FormatInt(userID, 10)+"?key=id")
}

func (client *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)
}

func (client *Client) tokenSet(operation string, token *oauth2.Token) (TokenSet, error) {
	scopes := grantedScopes(token)
	if scopes != nil && !hasScope(scopes, ScopePublic) {
		client.logger.Info("osu token missing required scope",
			zap.String("code", operation+".missing_scope"),
			zap.Strings("granted", scopes))
		return TokenSet{}, newProviderError(operation, 0, nil, ErrMissingScope)
	}
	if scopes == nil {
		scopes = append([]string(nil), RequestedScopes...)
	}
	expiresIn := time.Duration(token.ExpiresIn) * time.Second
	if expiresIn <= 0 && !token.Expiry.IsZero() {
		expiresIn = time.Until(token.Expiry).Round(time.Second)
	}
	return TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    expiresIn,
		Scopes:       scopes,
	}, nil
}

func (client *Client) fetchProfile(ctx context.Context, operation string, accessToken string, path string) (Profile, error) {
	if strings.TrimSpace(accessToken) == "" {
		return Profile{}, newProviderError(operation, 0, nil, ErrProviderRejected)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, client.apiBaseURL+path, nil)
	if requestErr != nil {
		return Profile{}, newProviderError(operation, 0, nil, fmt.Errorf("%w: %w", ErrTransport, requestErr))
	}
	request.Header.Set("Accept", "application/json")

	bearerClient := oauth2.NewClient(client.oauthContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	response, responseErr := bearerClient.Do(request)
	if responseErr != nil {
		return Profile{}, newProviderError(operation, 0, nil, fmt.Errorf("%w: %w", ErrTransport, responseErr))
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if readErr != nil {
		return Profile{}, newProviderError(operation, response.StatusCode, nil, fmt.Errorf("%w: %w", ErrTransport, readErr))
	}
	if statusErr := classifyStatus(response.StatusCode); statusErr != nil {
		return Profile{}, newProviderError(operation, response.StatusCode, body, statusErr)
	}

	var payload userPayload
	if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil {
		return Profile{}, newProviderError(operation, response.StatusCode, body, fmt.Errorf("%w: %w", ErrMalformedResponse, decodeErr))
	}
	if payload.ID <= 0 || strings.TrimSpace(payload.Username) == "" {
		return Profile{}, newProviderError(operation, response.StatusCode, body, ErrMalformedResponse)
	}
	return payload.profile(), nil
}

func classifyStatus(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusNotFound:
		return ErrProfileNotFound
	case statusCode >= 500:
		return ErrTransport
	default:
		return ErrProviderRejected
	}
}

func classifyTokenError(operation string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		statusCode := 0
		if retrieveErr.Response != nil {
			statusCode = retrieveErr.Response.StatusCode
		}
		cause := ErrProviderRejected
		if statusCode >= 500 {
			cause = ErrTransport
		}
		return newProviderError(operation, statusCode, retrieveErr.Body, fmt.Errorf("%w: %s", cause, retrieveErr.ErrorCode))
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newProviderError(operation, 0, nil, fmt.Errorf("%w: %w", ErrTransport, err))
	}
	// x/oauth2 reports undecodable or incomplete token bodies as plain errors.
	return newProviderError(operation, 0, nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
