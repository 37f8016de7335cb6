package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/viper"

	"github.com/bookkeep/backend/internal/models"
)

// Publisher publishes a JSON-encoded message to a named queue. Services
// depend on this interface so tests can substitute a mock.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload interface{}) error
}

// Config holds broker connection configuration
type Config struct {
	Host               string
	Port               string
	User               string
	Password           string
	VHost              string
	MaxConnectAttempts int
}

const (
	connectBackoffInitial = 1 * time.Second
	connectBackoffMax     = 30 * time.Second
)

// GetConfig returns broker configuration with defaults
func GetConfig() *Config {
	viper.SetDefault("rabbitmq.host", "localhost")
	viper.SetDefault("rabbitmq.port", "5672")
	viper.SetDefault("rabbitmq.user", "guest")
	viper.SetDefault("rabbitmq.password", "guest")
	viper.SetDefault("rabbitmq.vhost", "/")
	viper.SetDefault("rabbitmq.max_connect_attempts", 10)

	return &Config{
		Host:               viper.GetString("rabbitmq.host"),
		Port:               viper.GetString("rabbitmq.port"),
		User:               viper.GetString("rabbitmq.user"),
		Password:           viper.GetString("rabbitmq.password"),
		VHost:              viper.GetString("rabbitmq.vhost"),
		MaxConnectAttempts: viper.GetInt("rabbitmq.max_connect_attempts"),
	}
}

func (c *Config) url() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s%s", c.User, c.Password, c.Host, c.Port, c.VHost)
}

// Connection wraps an AMQP connection and channel with the transfer
// lifecycle queues declared.
type Connection struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to the broker once and declares the transfer queues.
func Dial(cfg *Config) (*Connection, error) {
	conn, err := amqp.Dial(cfg.url())
	if err != nil {
		return nil, fmt.Errorf("broker dial failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker channel failed: %w", err)
	}

	c := &Connection{conn: conn, ch: ch}
	if err := c.declareQueues(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// DialWithRetry connects with bounded exponential backoff. Exceeding the
// attempt bound returns an error; callers treat that as fatal rather than
// running disconnected.
func DialWithRetry(cfg *Config) (*Connection, error) {
	backoff := connectBackoffInitial

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxConnectAttempts; attempt++ {
		c, err := Dial(cfg)
		if err == nil {
			log.Printf("[BROKER] Connected to RabbitMQ at %s:%s", cfg.Host, cfg.Port)
			return c, nil
		}

		lastErr = err
		log.Printf("[BROKER] Waiting for RabbitMQ... (attempt %d/%d): %v", attempt, cfg.MaxConnectAttempts, err)

		if attempt < cfg.MaxConnectAttempts {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > connectBackoffMax {
				backoff = connectBackoffMax
			}
		}
	}

	return nil, fmt.Errorf("broker unreachable after %d attempts: %w", cfg.MaxConnectAttempts, lastErr)
}

func (c *Connection) declareQueues() error {
	queues := []string{
		models.QueueTransferRequests,
		models.QueueTransferApprovals,
		models.QueueTransferDeclines,
	}

	for _, name := range queues {
		if _, err := c.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
	}

	return nil
}

// Publish sends a persistent JSON message to the given queue.
func (c *Connection) Publish(ctx context.Context, queue string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", queue, err)
	}

	err = c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}

	return nil
}

// Consume opens a manually-acknowledged delivery stream for the given queue.
func (c *Connection) Consume(queue string) (<-chan amqp.Delivery, error) {
	deliveries, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// Close closes the channel and connection.
func (c *Connection) Close() error {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
