package publishers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Adda-Baaj/khobor-ingest/internal/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileYAML(t *testing.T) {
	t.Setenv("KHOBOR_TEST_TOKEN", "s3cret")
	path := writeFile(t, "publishers.yaml", `
publishers:
  - id: events
    type: QUEUE
    queue:
      provider: aws-sqs
      sqs:
        region: ap-south-1
        queue_url: " https://sqs.ap-south-1.amazonaws.com/123/articles.fifo "
        message_group_id: articles
  - id: hook
    type: http
    enabled: false
    http:
      url: https://hooks.example/ingest
      headers:
        Authorization: "Bearer ${KHOBOR_TEST_TOKEN}"
        " ": dropped
`)

	cfgs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	assert.Equal(t, TypeQueue, cfgs[0].Type)
	assert.Equal(t, "https://sqs.ap-south-1.amazonaws.com/123/articles.fifo", cfgs[0].Queue.SQS.QueueURL)
	assert.Equal(t, "ap-south-1", cfgs[0].Queue.SQS.Region)

	hook := cfgs[1].HTTP
	assert.Equal(t, "POST", hook.Method)
	assert.Equal(t, httpDefaultTimeout, hook.TimeoutSeconds)
	assert.Equal(t, map[string]string{"Authorization": "Bearer s3cret"}, hook.Headers)

	enabled := Enabled(cfgs)
	require.Len(t, enabled, 1)
	assert.Equal(t, "events", enabled[0].ID)
}

func TestLoadFileJSON(t *testing.T) {
	path := writeFile(t, "publishers.json", `{"publishers":[{"id":"t","type":"queue","queue":{"provider":"aws-sns","sns":{"region":"us-east-1","topic_arn":"arn:aws:sns:us-east-1:1:t","access_key_id":"AK","secret_access_key":"SK"}}}]}`)

	cfgs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "AK", cfgs[0].Queue.SNS.AccessKeyID)
	assert.Equal(t, "arn:aws:sns:us-east-1:1:t", cfgs[0].Queue.SNS.TopicARN)
}

func TestLoadFileRejects(t *testing.T) {
	cases := map[string]string{
		"empty list":       "publishers: []",
		"missing id":       "publishers: [{type: http, http: {url: https://x}}]",
		"unknown type":     "publishers: [{id: a, type: kafka}]",
		"http without url": "publishers: [{id: a, type: http, http: {}}]",
		"azure":            "publishers: [{id: a, type: queue, queue: {provider: azure}}]",
		"fifo no group":    "publishers: [{id: a, type: queue, queue: {provider: aws-sqs, sqs: {region: r, queue_url: https://q/x.fifo}}}]",
		"half credentials": "publishers: [{id: a, type: queue, queue: {provider: aws-sns, sns: {region: r, topic_arn: t, access_key_id: AK}}}]",
		"gcp no topic":     "publishers: [{id: a, type: queue, queue: {provider: gcp, gcp: {project_id: p}}}]",
		"duplicate": `publishers:
  - {id: a, type: http, http: {url: https://x}}
  - {id: a, type: http, http: {url: https://y}}`,
	}
	for name, body := range cases {
		_, err := LoadFile(writeFile(t, "publishers.yaml", body))
		assert.Error(t, err, name)
	}

	_, err := LoadFile("")
	assert.Error(t, err)
	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type stubPublisher struct {
	id     string
	err    error
	mu     sync.Mutex
	events []Event
	closed bool
}

func (p *stubPublisher) ID() string   { return p.id }
func (p *stubPublisher) Type() string { return "stub" }
func (p *stubPublisher) Publish(_ context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}
func (p *stubPublisher) Close() error {
	p.closed = true
	return nil
}

func TestFanoutStampsAndDeliversToAll(t *testing.T) {
	failing := &stubPublisher{id: "broken", err: errors.New("throttled")}
	ok := &stubPublisher{id: "ok"}
	f := NewFanout([]Publisher{failing, ok}, logger.NopLogger{})
	f.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.FixedZone("BST", 6*3600)) }

	err := f.Publish(context.Background(), Event{SourceID: "bbc", URL: "https://bbc.co.uk/1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publisher broken")

	require.Len(t, ok.events, 1)
	evt := ok.events[0]
	_, parseErr := uuid.Parse(evt.ID)
	assert.NoError(t, parseErr)
	assert.Equal(t, EventArticleIngested, evt.Type)
	assert.Equal(t, time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC), evt.IngestedAt)
	assert.Equal(t, evt, failing.events[0])

	require.NoError(t, f.Close())
	assert.True(t, failing.closed)
	assert.True(t, ok.closed)
}

func TestNilFanoutIsNoop(t *testing.T) {
	var f *Fanout
	assert.Zero(t, f.Len())
	assert.NoError(t, f.Publish(context.Background(), Event{}))
	assert.NoError(t, f.Close())

	empty, err := Setup(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Len())
}

func TestHTTPPublisher(t *testing.T) {
	var (
		mu      sync.Mutex
		got     Event
		method  string
		authHdr string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method = r.Method
		authHdr = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		if got.SourceID == "reject" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	pub, err := DefaultRegistry().Build(context.Background(), PublisherConfig{
		ID:   "hook",
		Type: TypeHTTP,
		HTTP: &HTTPPublisherConfig{URL: srv.URL, Method: "PUT", TimeoutSeconds: 2, Headers: map[string]string{"Authorization": "Bearer t"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeHTTP, pub.Type())

	require.NoError(t, pub.Publish(context.Background(), Event{ID: "e1", SourceID: "bbc", Title: "Flood warning issued"}))
	mu.Lock()
	assert.Equal(t, "PUT", method)
	assert.Equal(t, "Bearer t", authHdr)
	assert.Equal(t, "Flood warning issued", got.Title)
	mu.Unlock()

	assert.Error(t, pub.Publish(context.Background(), Event{ID: "e2", SourceID: "reject"}))
	assert.NoError(t, pub.Close())
}

func TestRegistryUnknownType(t *testing.T) {
	_, err := DefaultRegistry().Build(context.Background(), PublisherConfig{ID: "x", Type: "kafka"}, nil)
	assert.Error(t, err)
}

func TestBuildAllClosesBuiltOnFailure(t *testing.T) {
	first := &stubPublisher{id: "first"}
	reg := NewRegistry(map[string]Builder{
		"stub": func(context.Context, PublisherConfig, logger.Logger) (Publisher, error) { return first, nil },
	})

	_, err := BuildAll(context.Background(), reg, []PublisherConfig{
		{ID: "first", Type: "stub"},
		{ID: "second", Type: "missing"},
	}, nil)
	require.Error(t, err)
	assert.True(t, first.closed)
}

type fakeSQS struct{ input *sqs.SendMessageInput }

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = in
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

type fakeSNS struct{ err error }

func (f *fakeSNS) Publish(context.Context, *sns.PublishInput, ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return nil, f.err
}

func TestQueuePublisherSQSFifo(t *testing.T) {
	client := &fakeSQS{}
	pub := &queuePublisher{
		id:       "events",
		provider: QueueProviderAWSSQS,
		sender:   &awsSQSSender{queueURL: "https://q/articles.fifo", groupID: "articles", client: client, log: logger.NopLogger{}},
		log:      logger.NopLogger{},
	}

	evt := Event{ID: "e-42", Type: EventArticleIngested, SourceID: "bbc", URL: "https://bbc.co.uk/1"}
	require.NoError(t, pub.Publish(context.Background(), evt))

	in := client.input
	require.NotNil(t, in)
	assert.Equal(t, "articles", aws.ToString(in.MessageGroupId))
	assert.Equal(t, "e-42", aws.ToString(in.MessageDeduplicationId))
	assert.Equal(t, "bbc", aws.ToString(in.MessageAttributes["source_id"].StringValue))

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &decoded))
	assert.Equal(t, evt, decoded)
}

func TestQueuePublisherWrapsProviderError(t *testing.T) {
	pub := &queuePublisher{
		id:       "topic",
		provider: QueueProviderAWSSNS,
		sender:   &awsSNSSender{topicARN: "arn", client: &fakeSNS{err: errors.New("AuthorizationError")}, log: logger.NopLogger{}},
		log:      logger.NopLogger{},
	}
	err := pub.Publish(context.Background(), Event{ID: "e"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aws-sns")
	assert.Contains(t, err.Error(), "AuthorizationError")
}
