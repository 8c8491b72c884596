package storage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/natsclient"
	"github.com/c360/growplane/types"
)

// KV bucket names for the configuration stores
const (
	StreamBucket = "growplane-streams"
	RuleBucket   = "growplane-rules"
)

// KVConfigStore implements StreamStore and RuleStore on NATS JetStream KV
// buckets, so configuration survives restarts and replicates with the
// cluster.
type KVConfigStore struct {
	streams jetstream.KeyValue
	rules   jetstream.KeyValue
}

// NewKVConfigStore binds (creating if needed) the stream and rule buckets.
func NewKVConfigStore(ctx context.Context, client *natsclient.Client) (*KVConfigStore, error) {
	streams, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      StreamBucket,
		Description: "sensor stream catalog",
		History:     5,
	})
	if err != nil {
		return nil, errors.Wrap(err, "KVConfigStore", "NewKVConfigStore", "bind stream bucket")
	}
	rules, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      RuleBucket,
		Description: "alert rule definitions",
		History:     5,
	})
	if err != nil {
		return nil, errors.Wrap(err, "KVConfigStore", "NewKVConfigStore", "bind rule bucket")
	}
	return &KVConfigStore{streams: streams, rules: rules}, nil
}

// GetStream implements StreamStore
func (s *KVConfigStore) GetStream(ctx context.Context, id string) (*types.Stream, error) {
	entry, err := s.streams.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "KVConfigStore", "GetStream", id)
		}
		return nil, errors.WrapTransient(err, "KVConfigStore", "GetStream", id)
	}

	var stream types.Stream
	if err := json.Unmarshal(entry.Value(), &stream); err != nil {
		return nil, errors.WrapInvalid(err, "KVConfigStore", "GetStream", "decode stream record")
	}
	return &stream, nil
}

// ListStreams implements StreamStore
func (s *KVConfigStore) ListStreams(ctx context.Context, siteID string) ([]types.Stream, error) {
	keys, err := s.streams.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVConfigStore", "ListStreams", "list keys")
	}

	out := make([]types.Stream, 0, len(keys))
	for _, key := range keys {
		stream, err := s.GetStream(ctx, key)
		if err != nil {
			// A key deleted between Keys and Get is not an error.
			if stderrors.Is(err, errors.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		if siteID == "" || stream.SiteID == siteID {
			out = append(out, *stream)
		}
	}
	return out, nil
}

// PutStream implements StreamStore
func (s *KVConfigStore) PutStream(ctx context.Context, stream *types.Stream) error {
	if err := stream.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(stream)
	if err != nil {
		return errors.WrapInvalid(err, "KVConfigStore", "PutStream", "encode stream record")
	}
	if _, err := s.streams.Put(ctx, stream.ID, data); err != nil {
		return errors.WrapTransient(err, "KVConfigStore", "PutStream", stream.ID)
	}
	return nil
}

// DeactivateStream implements StreamStore
func (s *KVConfigStore) DeactivateStream(ctx context.Context, id string) error {
	stream, err := s.GetStream(ctx, id)
	if err != nil {
		return err
	}
	stream.Active = false
	return s.PutStream(ctx, stream)
}

// GetRule implements RuleStore
func (s *KVConfigStore) GetRule(ctx context.Context, id string) (*types.AlertRule, error) {
	entry, err := s.rules.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.WrapInvalid(errors.ErrRuleNotFound, "KVConfigStore", "GetRule", id)
		}
		return nil, errors.WrapTransient(err, "KVConfigStore", "GetRule", id)
	}

	var rule types.AlertRule
	if err := json.Unmarshal(entry.Value(), &rule); err != nil {
		return nil, errors.WrapInvalid(err, "KVConfigStore", "GetRule", "decode rule record")
	}
	return &rule, nil
}

// ListRules implements RuleStore
func (s *KVConfigStore) ListRules(ctx context.Context, siteID string) ([]types.AlertRule, error) {
	keys, err := s.rules.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVConfigStore", "ListRules", "list keys")
	}

	out := make([]types.AlertRule, 0, len(keys))
	for _, key := range keys {
		rule, err := s.GetRule(ctx, key)
		if err != nil {
			if stderrors.Is(err, errors.ErrRuleNotFound) {
				continue
			}
			return nil, err
		}
		if siteID == "" || rule.SiteID == siteID {
			out = append(out, *rule)
		}
	}
	return out, nil
}

// PutRule implements RuleStore. Rules failing self-validation are rejected
// at save time.
func (s *KVConfigStore) PutRule(ctx context.Context, rule *types.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return errors.WrapInvalid(err, "KVConfigStore", "PutRule", "encode rule record")
	}
	if _, err := s.rules.Put(ctx, rule.ID, data); err != nil {
		return errors.WrapTransient(err, "KVConfigStore", "PutRule", rule.ID)
	}
	return nil
}

// DeleteRule implements RuleStore
func (s *KVConfigStore) DeleteRule(ctx context.Context, id string) error {
	if err := s.rules.Delete(ctx, id); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return errors.WrapInvalid(errors.ErrRuleNotFound, "KVConfigStore", "DeleteRule", id)
		}
		return errors.WrapTransient(err, "KVConfigStore", "DeleteRule", fmt.Sprintf("delete %s", id))
	}
	return nil
}
