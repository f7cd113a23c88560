package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestRejectsMissingOrInvalidTokens(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fixture := newRouterFixture(t, routerOptions{logger: zap.New(core)})

	testCases := []struct {
		name          string
		header        string
		expectedLevel zapcore.Level
		expectLog     bool
	}{
		{name: "missing header"},
		{name: "not a bearer token", header: "Basic abc"},
		{name: "unknown token", header: "Bearer nope", expectedLevel: zapcore.WarnLevel, expectLog: true},
		{name: "expired token", header: "Bearer " + expiredToken, expectedLevel: zapcore.InfoLevel, expectLog: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			before := logs.Len()
			request := httptest.NewRequest(http.MethodGet, "/documents/anything", nil)
			if testCase.header != "" {
				request.Header.Set("Authorization", testCase.header)
			}
			recorder := httptest.NewRecorder()
			fixture.handler.ServeHTTP(recorder, request)

			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", recorder.Code)
			}
			entries := logs.All()[before:]
			if !testCase.expectLog {
				if len(entries) != 0 {
					t.Fatalf("expected no log entries, got %d", len(entries))
				}
				return
			}
			if len(entries) != 1 {
				t.Fatalf("expected one log entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.expectedLevel {
				t.Fatalf("expected level %s, got %s", testCase.expectedLevel, entries[0].Level)
			}
			if entries[0].Message != "token validation failed" {
				t.Fatalf("unexpected log message %q", entries[0].Message)
			}
		})
	}
}

func TestAccessTokenQueryOnlyAppliesToWebsocketUpgrades(t *testing.T) {
	fixture := newRouterFixture(t, routerOptions{})
	created := fixture.mustCreate(t, "Query")

	request := httptest.NewRequest(http.MethodGet, "/documents/"+created.ID+"?access_token="+testToken, nil)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected query token to be ignored on plain requests, got %d", recorder.Code)
	}
}
