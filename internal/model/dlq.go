package model

import (
	"time"
)

// DlqMessage is a read-only view of one dead-letter record. Retention of the
// underlying message belongs to the broker.
type DlqMessage struct {
	Topic      string    `json:"topic"`
	Partition  int32     `json:"partition"`
	Offset     int64     `json:"offset"`
	Key        string    `json:"key,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Value      any       `json:"value,omitempty"`
	ValueError string    `json:"value_error,omitempty"`
}

// DlqStatistics is the backlog of a dead-letter topic at Timestamp.
type DlqStatistics struct {
	Topic          string    `json:"topic"`
	MessageCount   int64     `json:"message_count"`
	PartitionCount int       `json:"partition_count"`
	Timestamp      time.Time `json:"timestamp"`
	Error          string    `json:"error,omitempty"`
}

type ReprocessResult struct {
	DltTopic         string    `json:"dlt_topic"`
	MainTopic        string    `json:"main_topic"`
	ReprocessedCount int       `json:"reprocessed_count"`
	FailedCount      int       `json:"failed_count"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	Error            string    `json:"error,omitempty"`
}

// DlqAlert is raised when a dead-letter backlog crosses the alert threshold.
type DlqAlert struct {
	Topic          string    `json:"topic"`
	MessageCount   int64     `json:"message_count"`
	Threshold      int64     `json:"threshold"`
	PartitionCount int       `json:"partition_count"`
	RaisedAt       time.Time `json:"raised_at"`
}
