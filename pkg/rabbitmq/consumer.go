package rabbitmq

import (
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome tells the consumer how to settle a delivery.
type Outcome int

const (
	// Ack removes the message from the queue.
	Ack Outcome = iota
	// Requeue puts the message back for another attempt.
	Requeue
	// DeadLetter rejects the message into the queue's parking queue for an operator.
	DeadLetter
)

// Handler processes one delivery.
type Handler func(body []byte) Outcome

// DeadLetterNames returns the dead-letter exchange and parking queue declared for queueName.
func DeadLetterNames(queueName string) (exchange, queue string) {
	return queueName + ".dlx", queueName + ".parked"
}

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings binds queueName to exchange for every routing key and dispatches
// deliveries to the matching handler in a background goroutine.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	dlx, parked := DeadLetterNames(queueName)
	if err := c.ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(parked, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(parked, "", dlx, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": dlx,
	})
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			Dispatch(handlers, d.RoutingKey, d.Body, d)
		}
		log.Printf("level=info component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
	}()

	return nil
}

// Acknowledger is the subset of a delivery used to settle it.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Dispatch routes one message to its handler and settles it.
func Dispatch(handlers map[string]Handler, routingKey string, body []byte, ack Acknowledger) {
	handler, ok := handlers[routingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropping\" routing_key=%s", routingKey)
		_ = ack.Ack(false)
		return
	}
	switch handler(body) {
	case Ack:
		_ = ack.Ack(false)
	case DeadLetter:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"handler rejected message; dead-lettering\" routing_key=%s", routingKey)
		_ = ack.Nack(false, false)
	default:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" routing_key=%s", routingKey)
		_ = ack.Nack(false, true)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
