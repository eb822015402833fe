package sessionvalidator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

var errUnknownSession = errors.New("unknown session")

func staticResolver(sessions map[string]int64) Resolver {
	return ResolverFunc(func(ctx context.Context, rawToken string) (int64, error) {
		userID, ok := sessions[rawToken]
		if !ok {
			return 0, errUnknownSession
		}
		return userID, nil
	})
}

func TestNewValidatorRequiresResolver(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	if err == nil || !errors.Is(err, ErrMissingResolver) {
		t.Fatalf("expected missing resolver error, got %v", err)
	}
}

func TestNewValidatorDefaults(t *testing.T) {
	t.Parallel()

	validator, err := New(Config{Resolver: staticResolver(nil)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validator.CookieName() != DefaultCookieName {
		t.Fatalf("expected default cookie name, got %s", validator.CookieName())
	}
	if validator.onError == nil {
		t.Fatalf("expected default error handler to be set")
	}
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	validator, err := New(Config{Resolver: staticResolver(map[string]int64{"1234": 42})})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	testCases := []struct {
		name        string
		cookieValue string
		expectedID  int64
		expectedErr error
	}{
		{name: "known session", cookieValue: "1234", expectedID: 42},
		{name: "missing cookie", expectedErr: ErrMissingCookie},
		{name: "blank cookie", cookieValue: "   ", expectedErr: ErrMissingCookie},
		{name: "unknown session", cookieValue: "999", expectedErr: errUnknownSession},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			request := httptest.NewRequest(http.MethodGet, "/", nil)
			if testCase.cookieValue != "" {
				request.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: testCase.cookieValue})
			}
			userID, validateErr := validator.ValidateRequest(request)
			if testCase.expectedErr != nil {
				if !errors.Is(validateErr, testCase.expectedErr) {
					t.Fatalf("expected %v, got %v", testCase.expectedErr, validateErr)
				}
				return
			}
			if validateErr != nil {
				t.Fatalf("unexpected error: %v", validateErr)
			}
			if userID != testCase.expectedID {
				t.Fatalf("expected user %d, got %d", testCase.expectedID, userID)
			}
		})
	}
}

func TestValidateRequestNil(t *testing.T) {
	t.Parallel()

	validator, err := New(Config{Resolver: staticResolver(nil)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, validateErr := validator.ValidateRequest(nil); !errors.Is(validateErr, ErrMissingRequest) {
		t.Fatalf("expected missing request error, got %v", validateErr)
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	validator, err := New(Config{
		CookieName: "session",
		Resolver:   staticResolver(map[string]int64{"77": 7}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	router := gin.New()
	router.GET("/protected", validator.GinMiddleware(""), func(contextGin *gin.Context) {
		userID, ok := UserID(contextGin)
		if !ok {
			t.Fatalf("expected user id in context")
		}
		contextGin.JSON(http.StatusOK, gin.H{"user_id": userID})
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.AddCookie(&http.Cookie{Name: "session", Value: "77"})
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if recorder.Body.String() != `{"user_id":7}` {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/protected", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", recorder.Code)
	}
}

func TestGinMiddlewareCustomContextKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	validator, err := New(Config{Resolver: staticResolver(map[string]int64{"88": 8})})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	router := gin.New()
	router.GET("/protected", validator.GinMiddleware("requester"), func(contextGin *gin.Context) {
		if _, ok := UserID(contextGin); ok {
			t.Fatalf("expected nothing under the default key")
		}
		userID, ok := UserIDFromKey(contextGin, "requester")
		if !ok {
			t.Fatalf("expected user id under the custom key")
		}
		contextGin.JSON(http.StatusOK, gin.H{"user_id": userID})
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "88"})
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if recorder.Body.String() != `{"user_id":8}` {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestGinMiddlewareCustomErrorHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var observed error
	validator, err := New(Config{
		Resolver: staticResolver(nil),
		OnError: func(contextGin *gin.Context, err error) {
			observed = err
			contextGin.AbortWithStatus(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	router := gin.New()
	router.GET("/protected", validator.GinMiddleware("custom"), func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "5"})
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusTeapot {
		t.Fatalf("expected custom status, got %d", recorder.Code)
	}
	if !errors.Is(observed, errUnknownSession) {
		t.Fatalf("expected resolver error to reach the handler, got %v", observed)
	}
}
