// Copyright 2017 Pilosa Corp.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

// Package kafka provides a read-only connector for Kafka topics
// carrying JSON records. A read is finite: it consumes each partition
// from the oldest offset up to the high water mark observed at open
// time, so a stage over a live topic still terminates.
package kafka

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pilosa/elt"
	"github.com/pkg/errors"
)

// Connector consumes one topic per Open call. The uri of Open is the
// topic name (falling back to Topic when empty).
type Connector struct {
	Brokers []string
	Topic   string

	schema elt.Schema
}

// NewConnector returns a Connector decoding messages against schema.
func NewConnector(schema elt.Schema, brokers []string, topic string) *Connector {
	return &Connector{Brokers: brokers, Topic: topic, schema: schema}
}

// Open implements elt.Source.
func (c *Connector) Open(ctx context.Context, uri string, batchSize int) (elt.Cursor, error) {
	topic := uri
	if topic == "" {
		topic = c.Topic
	}
	client, err := sarama.NewClient(c.Brokers, sarama.NewConfig())
	if err != nil {
		return nil, elt.NewConnectorError(elt.ErrUnreachable, "connecting to kafka", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return nil, elt.NewConnectorError(elt.ErrUnreachable, "getting consumer", err)
	}
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		consumer.Close()
		client.Close()
		return nil, elt.NewConnectorError(elt.ErrNotFound, "listing partitions", err)
	}
	bounds := make(map[int32]int64, len(partitions))
	for _, p := range partitions {
		high, err := client.GetOffset(topic, p, sarama.OffsetNewest)
		if err != nil {
			consumer.Close()
			client.Close()
			return nil, elt.NewConnectorError(elt.ErrUnreachable, "getting high water mark", err)
		}
		bounds[p] = high
	}
	return &cursor{
		c:          c,
		client:     client,
		consumer:   consumer,
		topic:      topic,
		partitions: partitions,
		bounds:     bounds,
		batchSize:  batchSize,
	}, nil
}

type cursor struct {
	c          *Connector
	client     sarama.Client
	consumer   sarama.Consumer
	topic      string
	partitions []int32
	bounds     map[int32]int64
	batchSize  int

	pc sarama.PartitionConsumer
}

func (cu *cursor) Next(ctx context.Context) (elt.Batch, error) {
	b := elt.Batch{Records: make([]elt.Record, 0, cu.batchSize)}
	for len(b.Records) < cu.batchSize {
		if cu.pc == nil {
			if len(cu.partitions) == 0 {
				if b.Len() == 0 {
					return elt.Batch{}, io.EOF
				}
				return b, nil
			}
			p := cu.partitions[0]
			cu.partitions = cu.partitions[1:]
			if cu.bounds[p] == 0 {
				continue // empty partition
			}
			pc, err := cu.consumer.ConsumePartition(cu.topic, p, sarama.OffsetOldest)
			if err != nil {
				return elt.Batch{}, elt.NewConnectorError(elt.ErrUnreachable, "consuming partition", err)
			}
			cu.pc = pc
		}
		select {
		case <-ctx.Done():
			return elt.Batch{}, ctx.Err()
		case msg, ok := <-cu.pc.Messages():
			if !ok {
				cu.pc.Close()
				cu.pc = nil
				continue
			}
			rec, err := decodeRecord(msg.Value, cu.c.schema)
			if err != nil {
				return elt.Batch{}, errors.Wrapf(err, "decoding message at offset %d", msg.Offset)
			}
			b.Records = append(b.Records, rec)
			if msg.Offset >= cu.bounds[msg.Partition]-1 {
				cu.pc.Close()
				cu.pc = nil
			}
		}
	}
	return b, nil
}

func (cu *cursor) Close() error {
	if cu.pc != nil {
		cu.pc.Close()
	}
	if err := cu.consumer.Close(); err != nil {
		cu.client.Close()
		return errors.Wrap(err, "closing consumer")
	}
	return errors.Wrap(cu.client.Close(), "closing client")
}

// decodeRecord unmarshals a JSON message and coerces its values to the
// schema's column types. JSON numbers arrive as float64; integer
// columns get them converted. Keys the schema doesn't declare are kept
// so the registry can reject them as unexpected.
func decodeRecord(data []byte, s elt.Schema) (elt.Record, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "unmarshaling json")
	}
	rec := make(elt.Record, len(raw))
	for k, v := range raw {
		if v == nil {
			rec[k] = nil
			continue
		}
		col, ok := s.Column(k)
		if !ok {
			rec[k] = v
			continue
		}
		cv, err := coerce(v, col.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", k)
		}
		rec[k] = cv
	}
	return rec, nil
}

func coerce(v interface{}, t elt.ColumnType) (interface{}, error) {
	switch t {
	case elt.Int32:
		if f, ok := v.(float64); ok {
			return int32(f), nil
		}
	case elt.Int64:
		if f, ok := v.(float64); ok {
			return int64(f), nil
		}
	case elt.Double:
		if f, ok := v.(float64); ok {
			return f, nil
		}
	case elt.Timestamp:
		if s, ok := v.(string); ok {
			if ts, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
				return ts, nil
			}
			return time.Parse(time.RFC3339, s)
		}
	case elt.String:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case elt.Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}
	return nil, errors.Errorf("cannot decode %T as %s", v, t)
}
