// Package config loads the YAML profile that drives one rtpsd process:
// per-topic QoS (history, reliability, durability, deadline), WHC
// watermarks, defrag/reorder capacities, heartbeat timing, and the
// admin/metrics listen addresses.
//
// Validation fails fast at load time with a descriptive error rather
// than letting a bad value surface later as a panic or a silent
// misbehavior.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rtps-core/ddsi/internal/defrag"
	"github.com/rtps-core/ddsi/internal/match"
	"github.com/rtps-core/ddsi/internal/reorder"
	"github.com/rtps-core/ddsi/internal/rtps"
	"github.com/rtps-core/ddsi/internal/whc"
)

func rtpsDuration(d time.Duration) rtps.Duration { return rtps.Duration(d) }

// WHCConfig is the YAML shape of a writer history cache QoS.
type WHCConfig struct {
	Kind          string `yaml:"kind"` // "keep_last" or "keep_all"
	Depth         int    `yaml:"depth"`
	HighWatermark int    `yaml:"high_watermark_bytes"`
	LowWatermark  int    `yaml:"low_watermark_bytes"`
	FragmentSize  int    `yaml:"fragment_size_bytes"`
}

// ReliabilityConfig configures heartbeat timing and retransmit batching
// for a reliable writer.
type ReliabilityConfig struct {
	MinHeartbeatInterval time.Duration `yaml:"min_heartbeat_interval"`
	MaxHeartbeatInterval time.Duration `yaml:"max_heartbeat_interval"`
	LeaseDuration         time.Duration `yaml:"lease_duration"`
	RetransmitBurstBytes  int           `yaml:"retransmit_burst_bytes"`
}

// FlowControlConfig bounds the defragmenter and reorder buffer on the
// reader side.
type FlowControlConfig struct {
	MaxFragmentedSamplesInFlight int    `yaml:"max_fragmented_samples_in_flight"`
	FragmentOverflowPolicy       string `yaml:"fragment_overflow_policy"` // "drop_oldest" or "drop_newest"
	ReorderCapacity              int    `yaml:"reorder_capacity"`
	ReorderOverflowPolicy        string `yaml:"reorder_overflow_policy"` // "not_accepted" or "drop_over_capacity"
}

// QoSConfig is the per-topic QoS profile, matching the RxO fields
// internal/match compares between offered and requested QoS.
type QoSConfig struct {
	TopicName        string        `yaml:"topic_name"`
	TypeName         string        `yaml:"type_name"`
	Partitions       []string      `yaml:"partitions"`
	Reliability      string        `yaml:"reliability"`       // "best_effort" or "reliable"
	Durability       string        `yaml:"durability"`        // "volatile", "transient_local", "transient", "persistent"
	Deadline         time.Duration `yaml:"deadline"`
	LatencyBudget    time.Duration `yaml:"latency_budget"`
	Liveliness       string        `yaml:"liveliness"` // "automatic", "manual_by_participant", "manual_by_topic"
	LeaseDuration    time.Duration `yaml:"lease_duration"`
	Ownership        string        `yaml:"ownership"` // "shared" or "exclusive"
	DestinationOrder string        `yaml:"destination_order"`
	Presentation     string        `yaml:"presentation"` // "instance" or "topic"

	WHC           WHCConfig         `yaml:"whc"`
	Reliability_  ReliabilityConfig `yaml:"reliability_timing"`
	FlowControl   FlowControlConfig `yaml:"flow_control"`
}

// Config is the top-level YAML document for one rtpsd process.
type Config struct {
	DomainID  uint32      `yaml:"domain_id"`
	NodeName  string      `yaml:"node_name"`
	AdminAddr string      `yaml:"admin_addr"`
	Topics    []QoSConfig `yaml:"topics"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks every topic profile for internal consistency. It
// fails fast: the first problem found is returned and later ones are
// not reported.
func (c *Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("node_name is required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("at least one topic profile is required")
	}
	seen := make(map[string]bool, len(c.Topics))
	for i := range c.Topics {
		t := &c.Topics[i]
		if t.TopicName == "" {
			return fmt.Errorf("topics[%d]: topic_name is required", i)
		}
		if seen[t.TopicName] {
			return fmt.Errorf("topics[%d]: duplicate topic_name %q", i, t.TopicName)
		}
		seen[t.TopicName] = true
		if err := t.validate(); err != nil {
			return fmt.Errorf("topic %q: %w", t.TopicName, err)
		}
	}
	return nil
}

func (t *QoSConfig) validate() error {
	if t.WHC.LowWatermark >= t.WHC.HighWatermark {
		return fmt.Errorf("whc.low_watermark_bytes (%d) must be < whc.high_watermark_bytes (%d)",
			t.WHC.LowWatermark, t.WHC.HighWatermark)
	}
	if t.WHC.FragmentSize <= 0 {
		return fmt.Errorf("whc.fragment_size_bytes must be > 0")
	}
	if t.WHC.Kind == "keep_last" && t.WHC.Depth <= 0 {
		return fmt.Errorf("whc.depth must be > 0 when whc.kind is keep_last")
	}
	if t.Reliability_.MinHeartbeatInterval > 0 && t.Reliability_.MaxHeartbeatInterval > 0 &&
		t.Reliability_.MinHeartbeatInterval > t.Reliability_.MaxHeartbeatInterval {
		return fmt.Errorf("reliability_timing.min_heartbeat_interval must be <= max_heartbeat_interval")
	}
	if t.FlowControl.MaxFragmentedSamplesInFlight <= 0 {
		return fmt.Errorf("flow_control.max_fragmented_samples_in_flight must be > 0")
	}
	if t.FlowControl.ReorderCapacity <= 0 {
		return fmt.Errorf("flow_control.reorder_capacity must be > 0")
	}
	if _, err := t.reliabilityKind(); err != nil {
		return err
	}
	if _, err := t.durabilityKind(); err != nil {
		return err
	}
	if _, err := t.livelinessKind(); err != nil {
		return err
	}
	if _, err := t.ownershipKind(); err != nil {
		return err
	}
	if _, err := t.destinationOrderKind(); err != nil {
		return err
	}
	if _, err := t.presentationScope(); err != nil {
		return err
	}
	if _, err := t.fragmentOverflowPolicy(); err != nil {
		return err
	}
	if _, err := t.reorderOverflowPolicy(); err != nil {
		return err
	}
	if _, err := t.whcHistoryKind(); err != nil {
		return err
	}
	return nil
}

func (t *QoSConfig) reliabilityKind() (match.ReliabilityKind, error) {
	switch t.Reliability {
	case "", "best_effort":
		return match.BestEffort, nil
	case "reliable":
		return match.Reliable, nil
	default:
		return 0, fmt.Errorf("unknown reliability %q", t.Reliability)
	}
}

func (t *QoSConfig) durabilityKind() (match.DurabilityKind, error) {
	switch t.Durability {
	case "", "volatile":
		return match.Volatile, nil
	case "transient_local":
		return match.TransientLocal, nil
	case "transient":
		return match.Transient, nil
	case "persistent":
		return match.Persistent, nil
	default:
		return 0, fmt.Errorf("unknown durability %q", t.Durability)
	}
}

func (t *QoSConfig) livelinessKind() (match.LivelinessKind, error) {
	switch t.Liveliness {
	case "", "automatic":
		return match.Automatic, nil
	case "manual_by_participant":
		return match.ManualByParticipant, nil
	case "manual_by_topic":
		return match.ManualByTopic, nil
	default:
		return 0, fmt.Errorf("unknown liveliness %q", t.Liveliness)
	}
}

func (t *QoSConfig) ownershipKind() (match.OwnershipKind, error) {
	switch t.Ownership {
	case "", "shared":
		return match.Shared, nil
	case "exclusive":
		return match.Exclusive, nil
	default:
		return 0, fmt.Errorf("unknown ownership %q", t.Ownership)
	}
}

func (t *QoSConfig) destinationOrderKind() (match.DestinationOrderKind, error) {
	switch t.DestinationOrder {
	case "", "reception_timestamp":
		return match.ByReceptionTimestamp, nil
	case "source_timestamp":
		return match.BySourceTimestamp, nil
	default:
		return 0, fmt.Errorf("unknown destination_order %q", t.DestinationOrder)
	}
}

func (t *QoSConfig) presentationScope() (match.PresentationAccessScope, error) {
	switch t.Presentation {
	case "", "instance":
		return match.Instance, nil
	case "topic":
		return match.Topic, nil
	default:
		return 0, fmt.Errorf("unknown presentation %q", t.Presentation)
	}
}

func (t *QoSConfig) fragmentOverflowPolicy() (defrag.OverflowPolicy, error) {
	switch t.FlowControl.FragmentOverflowPolicy {
	case "", "drop_oldest":
		return defrag.DropOldest, nil
	case "drop_newest":
		return defrag.DropNewest, nil
	default:
		return 0, fmt.Errorf("unknown flow_control.fragment_overflow_policy %q", t.FlowControl.FragmentOverflowPolicy)
	}
}

func (t *QoSConfig) reorderOverflowPolicy() (reorder.OverflowPolicy, error) {
	switch t.FlowControl.ReorderOverflowPolicy {
	case "", "not_accepted":
		return reorder.NotAccepted, nil
	case "drop_over_capacity":
		return reorder.DropOverCapacity, nil
	default:
		return 0, fmt.Errorf("unknown flow_control.reorder_overflow_policy %q", t.FlowControl.ReorderOverflowPolicy)
	}
}

func (t *QoSConfig) whcHistoryKind() (whc.HistoryKind, error) {
	switch t.WHC.Kind {
	case "", "keep_last":
		return whc.KeepLast, nil
	case "keep_all":
		return whc.KeepAll, nil
	default:
		return 0, fmt.Errorf("unknown whc.kind %q", t.WHC.Kind)
	}
}

// ToMatchQoS builds the internal/match.QoS used for offered/requested
// compatibility checks. It never panics: conversion errors are ignored,
// so a value Validate would reject yields that kind's zero value.
func (t *QoSConfig) ToMatchQoS() match.QoS {
	reliability, _ := t.reliabilityKind()
	durability, _ := t.durabilityKind()
	liveliness, _ := t.livelinessKind()
	ownership, _ := t.ownershipKind()
	destOrder, _ := t.destinationOrderKind()
	presentation, _ := t.presentationScope()
	return match.QoS{
		TopicName:    t.TopicName,
		TypeName:     t.TypeName,
		Partitions:   t.Partitions,
		Reliability:  reliability,
		Durability:   durability,
		Deadline:     rtpsDuration(t.Deadline),
		LatencyBudget: rtpsDuration(t.LatencyBudget),
		Liveliness: match.Liveliness{
			Kind:          liveliness,
			LeaseDuration: rtpsDuration(t.LeaseDuration),
		},
		Ownership:        ownership,
		DestinationOrder: destOrder,
		Presentation:     presentation,
	}
}

// ToWHCQoS builds the internal/whc.QoS for this topic's writer side.
func (t *QoSConfig) ToWHCQoS() whc.QoS {
	kind, _ := t.whcHistoryKind()
	return whc.QoS{
		Kind:          kind,
		Depth:         t.WHC.Depth,
		HighWatermark: t.WHC.HighWatermark,
		LowWatermark:  t.WHC.LowWatermark,
		FragmentSize:  t.WHC.FragmentSize,
	}
}

// ToFragmentOverflowPolicy returns the validated defrag overflow policy.
func (t *QoSConfig) ToFragmentOverflowPolicy() defrag.OverflowPolicy {
	p, _ := t.fragmentOverflowPolicy()
	return p
}

// ToReorderOverflowPolicy returns the validated reorder overflow policy.
func (t *QoSConfig) ToReorderOverflowPolicy() reorder.OverflowPolicy {
	p, _ := t.reorderOverflowPolicy()
	return p
}
