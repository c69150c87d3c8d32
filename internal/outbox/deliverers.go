package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/config"
	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/models"
	"example.com/backstage/services/assetledger/internal/projections"
)

// Webhook headers.
const (
	HeaderSignature = "X-Signature"
	HeaderEventID   = "X-Event-Id"
	HeaderAssetID   = "X-Asset-Id"
	HeaderEventType = "X-Event-Type"
)

// WebhookDeliverer POSTs the event envelope to a fixed URL. With a secret
// set, the body is signed as X-Signature: sha256=<hex hmac>.
type WebhookDeliverer struct {
	url    string
	secret []byte
	client *http.Client
}

func NewWebhookDeliverer(url, secret string, timeout time.Duration) *WebhookDeliverer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDeliverer{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
	}
}

// SignBody returns the X-Signature value for body.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookDeliverer) Deliver(ctx context.Context, entry models.OutboxEntry) error {
	e, err := DecodeEvent(entry)
	if err != nil {
		return err
	}
	body := []byte(entry.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, e.EventID)
	req.Header.Set(HeaderAssetID, e.AssetID)
	req.Header.Set(HeaderEventType, e.EventType)
	if len(w.secret) > 0 {
		req.Header.Set(HeaderSignature, SignBody(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// messageSender is the part of *azservicebus.Sender the deliverer uses.
type messageSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// ServiceBusDeliverer publishes events to an Azure Service Bus queue. The
// message id is the event id so duplicate detection on the queue can drop
// redeliveries.
type ServiceBusDeliverer struct {
	client *azservicebus.Client
	sender messageSender
}

func NewServiceBusDeliverer(cfg config.Config) (*ServiceBusDeliverer, error) {
	if cfg.AzureQueueConnStr == "" {
		return nil, fmt.Errorf("azure service bus connection string is empty")
	}
	client, err := azservicebus.NewClientFromConnectionString(cfg.AzureQueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}
	sender, err := client.NewSender(cfg.AzureEventsQueueName, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}
	return &ServiceBusDeliverer{client: client, sender: sender}, nil
}

func (s *ServiceBusDeliverer) Deliver(ctx context.Context, entry models.OutboxEntry) error {
	msg, err := serviceBusMessage(entry)
	if err != nil {
		return err
	}
	return s.sender.SendMessage(ctx, msg, nil)
}

func serviceBusMessage(entry models.OutboxEntry) (*azservicebus.Message, error) {
	e, err := DecodeEvent(entry)
	if err != nil {
		return nil, err
	}
	contentType := "application/json"
	return &azservicebus.Message{
		Body:        []byte(entry.Payload),
		ContentType: &contentType,
		MessageID:   &e.EventID,
		Subject:     &e.EventType,
		ApplicationProperties: map[string]any{
			"asset_id":          e.AssetID,
			"entity_id":         e.EntityID,
			"aggregate_version": strconv.FormatInt(e.AggregateVersion, 10),
			"event_hash":        e.EventHash,
		},
	}, nil
}

func (s *ServiceBusDeliverer) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}

// searchIndex is the part of *projections.Indexer the deliverer uses.
type searchIndex interface {
	IndexEvent(ctx context.Context, e domain.Event) error
	IndexProjection(ctx context.Context, p domain.Projection) error
}

// SearchDeliverer mirrors the event and the asset's current projection into
// the search index.
type SearchDeliverer struct {
	db    *gorm.DB
	index searchIndex
}

func NewSearchDeliverer(db *gorm.DB, index searchIndex) *SearchDeliverer {
	return &SearchDeliverer{db: db, index: index}
}

func (s *SearchDeliverer) Deliver(ctx context.Context, entry models.OutboxEntry) error {
	e, err := DecodeEvent(entry)
	if err != nil {
		return err
	}
	if err := s.index.IndexEvent(ctx, e); err != nil {
		return err
	}
	p, ok, err := projections.Load(s.db.WithContext(ctx), e.AssetID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.index.IndexProjection(ctx, p)
}

// NewDeliverers builds a deliverer for every topic enabled in cfg. The
// returned close function releases their connections.
func NewDeliverers(cfg config.Config, db *gorm.DB) (map[string]Deliverer, func(), error) {
	out := make(map[string]Deliverer, len(cfg.OutboxTopics))
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	for _, topic := range cfg.OutboxTopics {
		switch topic {
		case TopicWebhook:
			if cfg.WebhookURL == "" {
				closeAll()
				return nil, nil, fmt.Errorf("topic %s enabled without outbox.webhook_url", topic)
			}
			out[topic] = NewWebhookDeliverer(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout)
		case TopicServiceBus:
			sb, err := NewServiceBusDeliverer(cfg)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, sb.Close)
			out[topic] = sb
		case TopicSearch:
			client, err := projections.NewElasticsearchClient(cfg)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			if err := projections.EnsureIndices(client, cfg); err != nil {
				closeAll()
				return nil, nil, err
			}
			out[topic] = NewSearchDeliverer(db, projections.NewIndexer(client, cfg))
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown outbox topic %q", topic)
		}
	}
	return out, closeAll, nil
}
