package outbox

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/assetledger/config"
	"example.com/backstage/services/assetledger/internal/database/dbtest"
	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/models"
	"example.com/backstage/services/assetledger/internal/projections"
)

func webhookEntry(t *testing.T) models.OutboxEntry {
	t.Helper()
	entries, err := NewEntries(testEvent("e1"), []string{TopicWebhook}, newClock().Now())
	require.NoError(t, err)
	return entries[0]
}

func TestWebhookSignsAndPosts(t *testing.T) {
	entry := webhookEntry(t)
	var (
		gotBody    []byte
		gotHeaders http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := NewWebhookDeliverer(srv.URL, "s3cret", time.Second).Deliver(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, entry.Payload, string(gotBody))
	assert.Equal(t, "e1", gotHeaders.Get(HeaderEventID))
	assert.Equal(t, "A1", gotHeaders.Get(HeaderAssetID))
	assert.Equal(t, domain.AssetRegistered, gotHeaders.Get(HeaderEventType))
	assert.Equal(t, SignBody([]byte("s3cret"), gotBody), gotHeaders.Get(HeaderSignature))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
}

func TestWebhookWithoutSecretIsUnsigned(t *testing.T) {
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get(HeaderSignature)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookDeliverer(srv.URL, "", time.Second).Deliver(context.Background(), webhookEntry(t)))
	assert.Empty(t, signature)
}

func TestWebhookNon2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewWebhookDeliverer(srv.URL, "", time.Second).Deliver(context.Background(), webhookEntry(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "busy")
}

func TestSignBody(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	assert.Equal(t,
		"sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8",
		SignBody([]byte("key"), []byte("The quick brown fox jumps over the lazy dog")))
}

type fakeSender struct {
	sent []*azservicebus.Message
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, m *azservicebus.Message, _ *azservicebus.SendMessageOptions) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) Close(context.Context) error { return nil }

func TestServiceBusMessageCarriesEventIdentity(t *testing.T) {
	sender := &fakeSender{}
	sb := &ServiceBusDeliverer{sender: sender}
	entry := webhookEntry(t)

	require.NoError(t, sb.Deliver(context.Background(), entry))
	require.Len(t, sender.sent, 1)
	m := sender.sent[0]
	require.NotNil(t, m.MessageID)
	assert.Equal(t, "e1", *m.MessageID)
	assert.Equal(t, domain.AssetRegistered, *m.Subject)
	assert.Equal(t, "application/json", *m.ContentType)
	assert.Equal(t, entry.Payload, string(m.Body))
	assert.Equal(t, "tenant-1", m.ApplicationProperties["entity_id"])
	assert.Equal(t, "1", m.ApplicationProperties["aggregate_version"])

	sender.err = errors.New("amqp link detached")
	assert.Error(t, sb.Deliver(context.Background(), entry))
}

func TestNewServiceBusDelivererNeedsConnectionString(t *testing.T) {
	_, err := NewServiceBusDeliverer(config.Config{})
	assert.Error(t, err)
}

type fakeIndex struct {
	events      []domain.Event
	projections []domain.Projection
}

func (f *fakeIndex) IndexEvent(_ context.Context, e domain.Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeIndex) IndexProjection(_ context.Context, p domain.Projection) error {
	f.projections = append(f.projections, p)
	return nil
}

func TestSearchIndexesEventAndProjection(t *testing.T) {
	db := dbtest.Open(t)
	index := &fakeIndex{}
	search := NewSearchDeliverer(db, index)
	entry := webhookEntry(t)

	// no projection yet: only the event is indexed
	require.NoError(t, search.Deliver(context.Background(), entry))
	require.Len(t, index.events, 1)
	assert.Empty(t, index.projections)

	p, err := projections.Apply(domain.Projection{}, testEvent("e1"))
	require.NoError(t, err)
	require.NoError(t, projections.Save(db, p))

	require.NoError(t, search.Deliver(context.Background(), entry))
	require.Len(t, index.projections, 1)
	assert.Equal(t, "A1", index.projections[0].AssetID)
	assert.Equal(t, "Forklift 2", index.projections[0].Name)
}

func TestNewDeliverersRejectsIncompleteConfig(t *testing.T) {
	_, _, err := NewDeliverers(config.Config{OutboxTopics: []string{TopicWebhook}}, nil)
	assert.Error(t, err)

	out, closeAll, err := NewDeliverers(config.Config{
		OutboxTopics: []string{TopicWebhook},
		WebhookURL:   "http://localhost:9/hook",
	}, nil)
	require.NoError(t, err)
	defer closeAll()
	assert.IsType(t, &WebhookDeliverer{}, out[TopicWebhook])
}
