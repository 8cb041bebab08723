package pubsub_test

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/tdex-network/tdex-p2p/internal/infrastructure/pubsub"
	boltsecurestore "github.com/tdex-network/tdex-p2p/pkg/securestore/bolt"
)

const (
	password    = "password"
	testTopic   = "TRADE_STATE_CHANGED"
	testMessage = `{"event":"TRADE_STATE_CHANGED","trade_id":"6f3e2a1c-9b0d-4c8e-a7f2-1d5b3c4e6a8f","state":"DEPOSIT_PUBLISHED"}`
)

func TestPubSubService(t *testing.T) {
	t.Parallel()

	pubsubSvc := newTestService(t)
	server := newTestWebServer(t)

	// Ensures precondition: if not initialized, the store is also locked.
	require.True(t, pubsubSvc.Store().IsLocked())
	_, err := pubsubSvc.Subscribe(testTopic, server.url("/trades"), "")
	require.ErrorIs(t, err, pubsub.ErrStoreLocked)

	err = pubsubSvc.Store().Init(password)
	require.NoError(t, err)

	// Ensures Init() initializes and locks the store
	require.True(t, pubsubSvc.Store().IsLocked())

	err = pubsubSvc.Store().Unlock(password)
	require.NoError(t, err)
	require.False(t, pubsubSvc.Store().IsLocked())

	testSubs := []struct {
		topic    string
		endpoint string
		secret   string
	}{
		{testTopic, server.url("/trades"), randomSecret()},
		{testTopic, server.url("/trades"), randomSecret()},
		{testTopic, server.url("/trades"), ""},
		{ports.AnyTopic, server.url("/all"), ""},
	}
	secrets := make(map[string]string)
	for _, sub := range testSubs {
		subID, err := pubsubSvc.Subscribe(sub.topic, sub.endpoint, sub.secret)
		require.NoError(t, err)
		require.NotEmpty(t, subID)
		secrets[subID] = sub.secret
	}
	server.setSecrets(secrets)

	subs := pubsubSvc.ListSubscriptionsForTopic(testTopic)
	require.Len(t, subs, len(testSubs))
	for _, sub := range subs {
		require.NotEmpty(t, sub.Id())
		require.Equal(t, secrets[sub.Id()] != "", sub.IsSecured())
	}
	require.Len(t, pubsubSvc.ListSubscriptionsForTopic(ports.AnyTopic), 1)
	require.Len(t, pubsubSvc.ListSubscriptionsForTopic(ports.UnspecifiedTopic), len(testSubs))

	// Should invoke all hooks.
	err = pubsubSvc.Publish(testTopic, testMessage)
	require.NoError(t, err)
	require.Equal(t, 3, server.count("/trades"))
	require.Equal(t, 1, server.count("/all"))
	require.Empty(t, server.failures())

	// Only the hooks for any topic are invoked for other topics.
	err = pubsubSvc.Publish("TRADE_FAILED", testMessage)
	require.NoError(t, err)
	require.Equal(t, 3, server.count("/trades"))
	require.Equal(t, 2, server.count("/all"))

	for i, s := range subs {
		err := pubsubSvc.Unsubscribe(s.Topic(), s.Id())
		require.NoError(t, err)

		if s.Topic() == ports.AnyTopic {
			subs := pubsubSvc.ListSubscriptionsForTopic(ports.AnyTopic)
			require.Len(t, subs, 0)
		}
		subs := pubsubSvc.ListSubscriptionsForTopic(s.Topic())
		require.Len(t, subs, len(testSubs)-1-i)
	}

	err = pubsubSvc.Unsubscribe(testTopic, subs[0].Id())
	require.ErrorIs(t, err, pubsub.ErrSubscriptionNotFound)

	// Checks that it's all ok if there are no hooks to invoke.
	err = pubsubSvc.Publish(testTopic, testMessage)
	require.NoError(t, err)
}

func TestSubscribeWithID(t *testing.T) {
	t.Parallel()

	pubsubSvc := newTestService(t)
	server := newTestWebServer(t)
	require.NoError(t, pubsubSvc.Store().Unlock(password))

	subID, err := pubsubSvc.SubscribeWithID("my-hook", testTopic, server.url("/trades"), "")
	require.NoError(t, err)
	require.Equal(t, "my-hook", subID)

	// Subscribing twice with the same id doesn't duplicate the subscription.
	subID, err = pubsubSvc.SubscribeWithID("my-hook", testTopic, server.url("/trades"), "")
	require.NoError(t, err)
	require.Equal(t, "my-hook", subID)
	require.Len(t, pubsubSvc.ListSubscriptionsForTopic(testTopic), 1)
}

func TestFailingEndpoint(t *testing.T) {
	t.Parallel()

	pubsubSvc := newTestService(t)
	server := newTestWebServer(t)
	require.NoError(t, pubsubSvc.Store().Unlock(password))

	_, err := pubsubSvc.Subscribe(testTopic, server.url("/broken"), "")
	require.NoError(t, err)
	_, err = pubsubSvc.Subscribe(testTopic, server.url("/trades"), "")
	require.NoError(t, err)

	err = pubsubSvc.Publish(testTopic, testMessage)
	require.Error(t, err)
	require.Equal(t, 1, server.count("/trades"))
}

func TestFailingSubscribe(t *testing.T) {
	t.Parallel()

	pubsubSvc := newTestService(t)
	require.NoError(t, pubsubSvc.Store().Unlock(password))

	tests := []struct {
		name        string
		topic       string
		endpoint    string
		expectedErr error
	}{
		{"missing topic", "", "http://localhost:8080/hook", pubsub.ErrMissingTopic},
		{"relative endpoint", testTopic, "/hook", pubsub.ErrInvalidEndpoint},
		{"malformed endpoint", testTopic, "localhost:8080", pubsub.ErrInvalidEndpoint},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := pubsubSvc.Subscribe(tt.topic, tt.endpoint, "")
			require.ErrorIs(t, err, tt.expectedErr)
		})
	}
}

func newTestService(t *testing.T) ports.SecurePubSub {
	store, err := boltsecurestore.NewSecureStorage(t.TempDir(), "pubsub.db")
	require.NoError(t, err)

	svc, err := pubsub.NewService(store, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = svc.Store().Close()
	})
	return svc
}

type testWebServer struct {
	*httptest.Server

	lock     sync.Mutex
	received map[string]int
	errs     []string
	// secrets by subscription id, set once before publishing.
	secrets map[string]string
}

func newTestWebServer(t *testing.T) *testWebServer {
	s := &testWebServer{received: make(map[string]int)}

	mux := http.NewServeMux()
	mux.HandleFunc("/trades", s.handle)
	mux.HandleFunc("/all", s.handle)
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *testWebServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Bad method", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "Bad Content-Type header", http.StatusUnsupportedMediaType)
		return
	}

	defer r.Body.Close()
	payload, _ := io.ReadAll(r.Body)

	s.lock.Lock()
	defer s.lock.Unlock()

	if string(payload) != testMessage {
		s.errs = append(s.errs, fmt.Sprintf("unexpected payload %s", payload))
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if err := s.verifyToken(strings.TrimPrefix(auth, "Bearer ")); err != nil {
			s.errs = append(s.errs, err.Error())
		}
	}
	s.received[r.URL.Path]++
	fmt.Fprintf(w, "Done")
}

func (s *testWebServer) verifyToken(tokenString string) error {
	_, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return nil, fmt.Errorf("unexpected claims")
		}
		subID, _ := claims["sub"].(string)
		secret, ok := s.secrets[subID]
		if !ok || secret == "" {
			return nil, fmt.Errorf("unknown subscription %s", subID)
		}
		return []byte(secret), nil
	})
	return err
}

func (s *testWebServer) setSecrets(secrets map[string]string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.secrets = secrets
}

func (s *testWebServer) url(path string) string {
	return s.URL + path
}

func (s *testWebServer) count(path string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.received[path]
}

func (s *testWebServer) failures() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string{}, s.errs...)
}

func randomSecret() string {
	b := make([]byte, 32)
	//nolint
	rand.Read(b)
	return hex.EncodeToString(b)
}
