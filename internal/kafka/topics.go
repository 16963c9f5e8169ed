package kafka

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"ms-tripbooking/internal/logger"

	"github.com/segmentio/kafka-go"
)

// EnsureTopicsExist creates any missing topic through the cluster controller.
func EnsureTopicsExist(brokers []string, topics []string, log *logger.Logger) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("get controller: %w", err)
	}

	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer controllerConn.Close()

	existing, err := listTopics(conn)
	if err != nil {
		return err
	}

	var configs []kafka.TopicConfig
	for _, topic := range topics {
		if topic == "" || existing[topic] {
			continue
		}
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     3,
			ReplicationFactor: 1,
		})
	}
	if len(configs) == 0 {
		log.LogKafka("TOPICS", "-", "all topics present")
		return nil
	}

	if err := controllerConn.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, c := range configs {
		log.LogKafka("TOPICS", c.Topic, "created")
	}
	return nil
}

func listTopics(conn *kafka.Conn) (map[string]bool, error) {
	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("read partitions: %w", err)
	}
	out := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		out[p.Topic] = true
	}
	return out, nil
}
