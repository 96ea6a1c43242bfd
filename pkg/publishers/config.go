package publishers

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// Supported publisher types.
	TypeQueue = "queue"
	TypeHTTP  = "http"

	// Supported queue providers.
	QueueProviderAWSSQS = "aws-sqs"
	QueueProviderAWSSNS = "aws-sns"
	QueueProviderGCP    = "gcp"

	httpDefaultMethod  = "POST"
	httpDefaultTimeout = 5
)

type configFile struct {
	Publishers []PublisherConfig `json:"publishers" yaml:"publishers"`
}

// PublisherConfig is one sink declared in the publishers file.
type PublisherConfig struct {
	ID      string                `json:"id" yaml:"id"`
	Type    string                `json:"type" yaml:"type"`
	Enabled *bool                 `json:"enabled" yaml:"enabled"`
	Queue   *QueuePublisherConfig `json:"queue" yaml:"queue"`
	HTTP    *HTTPPublisherConfig  `json:"http" yaml:"http"`
}

// QueuePublisherConfig selects a cloud messaging provider.
type QueuePublisherConfig struct {
	Provider string                 `json:"provider" yaml:"provider"`
	SQS      *AWSSQSPublisherConfig `json:"sqs" yaml:"sqs"`
	SNS      *AWSSNSPublisherConfig `json:"sns" yaml:"sns"`
	GCP      *GCPQueueConfig        `json:"gcp" yaml:"gcp"`
}

// AWSCredentials are optional static keys. When both are empty the default AWS chain is used.
type AWSCredentials struct {
	Region          string `json:"region" yaml:"region"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
}

// AWSSQSPublisherConfig targets an SQS queue. MessageGroupID is required for FIFO queues.
type AWSSQSPublisherConfig struct {
	AWSCredentials `yaml:",inline"`
	QueueURL       string `json:"queue_url" yaml:"queue_url"`
	MessageGroupID string `json:"message_group_id" yaml:"message_group_id"`
}

// AWSSNSPublisherConfig targets an SNS topic.
type AWSSNSPublisherConfig struct {
	AWSCredentials `yaml:",inline"`
	TopicARN       string `json:"topic_arn" yaml:"topic_arn"`
}

// GCPQueueConfig targets a Pub/Sub topic.
type GCPQueueConfig struct {
	ProjectID       string `json:"project_id" yaml:"project_id"`
	Topic           string `json:"topic" yaml:"topic"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
}

// HTTPPublisherConfig is a webhook sink receiving the event as JSON.
type HTTPPublisherConfig struct {
	URL            string            `json:"url" yaml:"url"`
	Method         string            `json:"method" yaml:"method"`
	Headers        map[string]string `json:"headers" yaml:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// LoadFile reads, expands ${ENV} references in, and validates the publishers file.
func LoadFile(path string) ([]PublisherConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("publishers file path is empty")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read publishers file: %w", err)
	}

	parsed, err := decodeConfigFile([]byte(os.ExpandEnv(string(raw))), filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	if len(parsed.Publishers) == 0 {
		return nil, errors.New("publishers file contains no publishers entries")
	}

	seen := make(map[string]struct{}, len(parsed.Publishers))
	out := make([]PublisherConfig, 0, len(parsed.Publishers))
	for i, cfg := range parsed.Publishers {
		cfg = sanitize(cfg)
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("publishers[%d]: %w", i, err)
		}
		if _, dup := seen[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate publisher id %q", cfg.ID)
		}
		seen[cfg.ID] = struct{}{}
		out = append(out, cfg)
	}
	return out, nil
}

// Enabled filters cfgs down to enabled entries, keeping order.
func Enabled(cfgs []PublisherConfig) []PublisherConfig {
	out := make([]PublisherConfig, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.EnabledValue() {
			out = append(out, cfg)
		}
	}
	return out
}

// EnabledValue returns enabled flag defaulting to true.
func (cfg PublisherConfig) EnabledValue() bool {
	return cfg.Enabled == nil || *cfg.Enabled
}

func decodeConfigFile(data []byte, ext string) (configFile, error) {
	var decode func([]byte, any) error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		decode = yaml.Unmarshal
	case ".json":
		decode = json.Unmarshal
	default:
		var f configFile
		if err := yaml.Unmarshal(data, &f); err == nil {
			return f, nil
		}
		if err := json.Unmarshal(data, &f); err == nil {
			return f, nil
		}
		return configFile{}, errors.New("publishers file format not recognized (expected YAML or JSON)")
	}

	var f configFile
	if err := decode(data, &f); err != nil {
		return configFile{}, fmt.Errorf("decode publishers file: %w", err)
	}
	return f, nil
}

func sanitize(cfg PublisherConfig) PublisherConfig {
	cfg.ID = strings.TrimSpace(cfg.ID)
	cfg.Type = strings.ToLower(strings.TrimSpace(cfg.Type))

	if q := cfg.Queue; q != nil {
		qc := *q
		qc.Provider = strings.ToLower(strings.TrimSpace(qc.Provider))
		if qc.SQS != nil {
			s := *qc.SQS
			s.AWSCredentials = s.AWSCredentials.trimmed()
			s.QueueURL = strings.TrimSpace(s.QueueURL)
			s.MessageGroupID = strings.TrimSpace(s.MessageGroupID)
			qc.SQS = &s
		}
		if qc.SNS != nil {
			s := *qc.SNS
			s.AWSCredentials = s.AWSCredentials.trimmed()
			s.TopicARN = strings.TrimSpace(s.TopicARN)
			qc.SNS = &s
		}
		if qc.GCP != nil {
			g := *qc.GCP
			g.ProjectID = strings.TrimSpace(g.ProjectID)
			g.Topic = strings.TrimSpace(g.Topic)
			g.CredentialsFile = strings.TrimSpace(g.CredentialsFile)
			qc.GCP = &g
		}
		cfg.Queue = &qc
	}

	if h := cfg.HTTP; h != nil {
		c := *h
		c.URL = strings.TrimSpace(c.URL)
		c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
		if c.Method == "" {
			c.Method = httpDefaultMethod
		}
		if c.TimeoutSeconds <= 0 {
			c.TimeoutSeconds = httpDefaultTimeout
		}
		headers := make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			if k, v = strings.TrimSpace(k), strings.TrimSpace(v); k != "" && v != "" {
				headers[k] = v
			}
		}
		c.Headers = headers
		cfg.HTTP = &c
	}
	return cfg
}

func (c AWSCredentials) trimmed() AWSCredentials {
	return AWSCredentials{
		Region:          strings.TrimSpace(c.Region),
		AccessKeyID:     strings.TrimSpace(c.AccessKeyID),
		SecretAccessKey: strings.TrimSpace(c.SecretAccessKey),
	}
}

func (c AWSCredentials) validate(id, prefix string) error {
	if c.Region == "" {
		return fmt.Errorf("%s.region is required for publisher %q", prefix, id)
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("%s.access_key_id and %s.secret_access_key must be set together for publisher %q", prefix, prefix, id)
	}
	return nil
}

func validate(cfg PublisherConfig) error {
	if cfg.ID == "" {
		return errors.New("id is required")
	}
	switch cfg.Type {
	case "":
		return fmt.Errorf("type is required for publisher %q", cfg.ID)
	case TypeQueue:
		return validateQueue(cfg.ID, cfg.Queue)
	case TypeHTTP:
		if cfg.HTTP == nil {
			return fmt.Errorf("http config required for publisher %q", cfg.ID)
		}
		if cfg.HTTP.URL == "" {
			return fmt.Errorf("http.url is required for publisher %q", cfg.ID)
		}
		return nil
	default:
		return fmt.Errorf("type %q not supported for publisher %q", cfg.Type, cfg.ID)
	}
}

func validateQueue(id string, q *QueuePublisherConfig) error {
	if q == nil {
		return fmt.Errorf("queue config required for publisher %q", id)
	}
	switch q.Provider {
	case QueueProviderAWSSQS:
		if q.SQS == nil {
			return fmt.Errorf("sqs config required for publisher %q", id)
		}
		if q.SQS.QueueURL == "" {
			return fmt.Errorf("sqs.queue_url is required for publisher %q", id)
		}
		if strings.HasSuffix(q.SQS.QueueURL, ".fifo") && q.SQS.MessageGroupID == "" {
			return fmt.Errorf("sqs.message_group_id is required for fifo queue of publisher %q", id)
		}
		return q.SQS.validate(id, "sqs")
	case QueueProviderAWSSNS:
		if q.SNS == nil {
			return fmt.Errorf("sns config required for publisher %q", id)
		}
		if q.SNS.TopicARN == "" {
			return fmt.Errorf("sns.topic_arn is required for publisher %q", id)
		}
		return q.SNS.validate(id, "sns")
	case QueueProviderGCP:
		if q.GCP == nil {
			return fmt.Errorf("gcp config required for publisher %q", id)
		}
		if q.GCP.ProjectID == "" {
			return fmt.Errorf("gcp.project_id is required for publisher %q", id)
		}
		if q.GCP.Topic == "" {
			return fmt.Errorf("gcp.topic is required for publisher %q", id)
		}
		return nil
	default:
		return fmt.Errorf("queue provider %q not supported for publisher %q", q.Provider, id)
	}
}
