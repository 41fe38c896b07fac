package models

import (
	"fmt"
	"strings"
	"time"
)

type Mode string

const (
	SpaceWeather Mode = "SpaceWeather"
	CyberThreats Mode = "CyberThreats"
	CyberAttacks Mode = "CyberAttacks"
	Satellites   Mode = "Satellites"
	IntelReports Mode = "IntelReports"
)

// AllModes lists the known modes in display order.
var AllModes = []Mode{SpaceWeather, CyberThreats, CyberAttacks, Satellites, IntelReports}

func ParseMode(s string) (Mode, error) {
	v := strings.TrimSpace(s)
	for _, m := range AllModes {
		if strings.EqualFold(string(m), v) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

func (m Mode) String() string { return string(m) }

type Dimension string

const (
	DimHeap  Dimension = "heap"
	DimItems Dimension = "items"
	DimGPU   Dimension = "gpu"
)

var Dimensions = []Dimension{DimHeap, DimItems, DimGPU}

// Budget bounds one mode. A zero limit means the dimension is not checked.
type Budget struct {
	MaxHeapBytes int64 `json:"max_heap_bytes" yaml:"max_heap_bytes"`
	MaxItems     int64 `json:"max_items" yaml:"max_items"`
	MaxGPUBytes  int64 `json:"max_gpu_bytes" yaml:"max_gpu_bytes"`
}

func (b Budget) Limit(d Dimension) int64 {
	switch d {
	case DimHeap:
		return b.MaxHeapBytes
	case DimItems:
		return b.MaxItems
	case DimGPU:
		return b.MaxGPUBytes
	default:
		return 0
	}
}

func (b Budget) IsZero() bool {
	return b.MaxHeapBytes == 0 && b.MaxItems == 0 && b.MaxGPUBytes == 0
}

type UsageSnapshot struct {
	Mode          Mode      `json:"mode"`
	TS            time.Time `json:"ts"`
	HeapBytes     int64     `json:"heap_bytes"`
	CachedItems   int64     `json:"cached_items"`
	GeometryCount int       `json:"geometry_count"`
	MaterialCount int       `json:"material_count"`
	GPUBytes      int64     `json:"gpu_bytes"`
	Services      int       `json:"services"`
}

func (s UsageSnapshot) Value(d Dimension) int64 {
	switch d {
	case DimHeap:
		return s.HeapBytes
	case DimItems:
		return s.CachedItems
	case DimGPU:
		return s.GPUBytes
	default:
		return 0
	}
}

type BudgetEventKind string

const (
	BudgetExceeded  BudgetEventKind = "exceeded"
	BudgetRecovered BudgetEventKind = "recovered"
)

type BudgetEvent struct {
	ID        string          `json:"id"`
	Kind      BudgetEventKind `json:"kind"`
	Mode      Mode            `json:"mode"`
	Dimension Dimension       `json:"dimension"`
	Value     int64           `json:"value"`
	Limit     int64           `json:"limit"`
	TS        time.Time       `json:"ts"`
}

type Violation struct {
	ID        int64      `json:"id"`
	EventID   string     `json:"event_id"`
	Mode      Mode       `json:"mode"`
	Dimension Dimension  `json:"dimension"`
	Status    string     `json:"status"`
	Value     int64      `json:"value"`
	Limit     int64      `json:"limit"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type ProcessMetric struct {
	TS          time.Time `json:"ts"`
	HeapAlloc   int64     `json:"heap_alloc_bytes"`
	HeapObjects int64     `json:"heap_objects"`
	RSSBytes    int64     `json:"rss_bytes"`
	Goroutines  int       `json:"goroutines"`
	NumGC       uint32    `json:"num_gc"`
}
