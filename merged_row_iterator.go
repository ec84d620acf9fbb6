// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spannerclient

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
)

// MergedRowIterator reads the partitions of a partitioned query with up to
// maxParallelism goroutines. The rows that are read from the partitions are
// put in a buffer, and this iterator returns the rows from that buffer.
//
// The rows from the underlying partitions are returned in arbitrary order.
type MergedRowIterator struct {
	mu       sync.Mutex
	err      error
	stopped  bool
	metadata *spannerpb.ResultSetMetadata
	cancel   context.CancelFunc

	buffer chan *Row
	// metadataReady is closed when the first partition has returned its
	// first row, or has ended without rows.
	metadataReady chan struct{}
	metadataOnce  sync.Once
	errReady      chan struct{}
	done          chan struct{}

	logger         *slog.Logger
	batches        []*Batch
	process        func(ctx context.Context, b *Batch) (*RowIterator, error)
	maxParallelism int
}

func newMergedRowIterator(logger *slog.Logger, batches []*Batch, maxParallelism int, process func(context.Context, *Batch) (*RowIterator, error)) *MergedRowIterator {
	if maxParallelism <= 0 {
		maxParallelism = runtime.NumCPU()
	}
	if maxParallelism > len(batches) {
		maxParallelism = len(batches)
	}
	return &MergedRowIterator{
		logger:         logger.With("type", "merged_iterator", "partitions", len(batches), "parallelism", maxParallelism),
		batches:        batches,
		process:        process,
		maxParallelism: maxParallelism,
		buffer:         make(chan *Row, 10),
		done:           make(chan struct{}),
		errReady:       make(chan struct{}),
		metadataReady:  make(chan struct{}),
	}
}

// run starts the producers and waits until the metadata of the result is
// known or an error occurred.
func (m *MergedRowIterator) run(ctx context.Context) error {
	m.logger.DebugContext(ctx, "run")
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	go m.produce(ctx)
	_, err := m.Metadata()
	return err
}

func (m *MergedRowIterator) produce(ctx context.Context) {
	defer m.Stop()
	g, ctx := errgroup.WithContext(ctx)
	if m.maxParallelism > 0 {
		g.SetLimit(m.maxParallelism)
	}
	for _, b := range m.batches {
		if m.hasErr() || m.isStopped() {
			break
		}
		g.Go(func() error {
			return m.produceRowsFromPartition(ctx, b)
		})
	}
	if err := g.Wait(); err != nil {
		m.registerErr(err)
	}
}

func (m *MergedRowIterator) produceRowsFromPartition(ctx context.Context, b *Batch) error {
	it, err := m.process(ctx, b)
	if err != nil {
		return err
	}
	defer it.Stop()
	for {
		row, err := it.Next()
		if err != nil && err != iterator.Done {
			return err
		}
		m.metadataOnce.Do(func() {
			m.mu.Lock()
			m.metadata = it.Metadata()
			m.mu.Unlock()
			close(m.metadataReady)
		})
		if row == nil {
			return nil
		}
		select {
		case m.buffer <- row:
		case <-m.done:
			return nil
		}
	}
}

func (m *MergedRowIterator) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *MergedRowIterator) hasErr() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err != nil
}

func (m *MergedRowIterator) registerErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil && !m.stopped {
		m.logger.Debug("partition failed", "err", err)
		m.err = err
		close(m.errReady)
	}
}

// Next returns the next row. It returns iterator.Done when all partitions
// have been read.
func (m *MergedRowIterator) Next() (*Row, error) {
	select {
	case <-m.metadataReady:
	case <-m.errReady:
	case <-m.done:
	}
	m.mu.Lock()
	if m.err != nil {
		defer m.mu.Unlock()
		return nil, m.err
	}
	m.mu.Unlock()

	select {
	case row := <-m.buffer:
		return row, nil
	case <-m.errReady:
		m.mu.Lock()
		defer m.mu.Unlock()
		return nil, m.err
	case <-m.done:
		// The producers have stopped. Drain rows that are still buffered.
		select {
		case row := <-m.buffer:
			return row, nil
		default:
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.err != nil {
			return nil, m.err
		}
		return nil, iterator.Done
	}
}

// Stop stops all producers. Rows that have not yet been returned are
// discarded.
func (m *MergedRowIterator) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.done)
		if m.cancel != nil {
			m.cancel()
		}
	}
}

// Metadata returns the metadata of the result. It blocks until the first
// partition has returned its first row, or has ended without any rows.
func (m *MergedRowIterator) Metadata() (*spannerpb.ResultSetMetadata, error) {
	select {
	case <-m.metadataReady:
	case <-m.errReady:
	case <-m.done:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.metadata, nil
}
