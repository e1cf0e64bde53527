// Package kernel - Transaction timeout monitor.
package kernel

import (
	"log"
	"time"
)

// timeoutMonitor periodically scans live transactions and marks expired ones
// for termination. It is the only goroutine that touches transactions it
// does not own, and the only thing it touches is the termination flag.
type timeoutMonitor struct {
	kernel   *Kernel
	interval time.Duration
	quit     chan struct{}
	done     chan struct{}
}

func newTimeoutMonitor(k *Kernel, interval time.Duration) *timeoutMonitor {
	return &timeoutMonitor{
		kernel:   k,
		interval: interval,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *timeoutMonitor) start() {
	go m.run()
}

func (m *timeoutMonitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep marks every live transaction whose timeout has expired. Termination
// cascades to inner transactions inside MarkForTermination.
func (m *timeoutMonitor) sweep(now time.Time) {
	for _, tx := range m.kernel.LiveTransactions() {
		if tx.timeout <= 0 || !tx.IsOpen() {
			continue
		}
		if _, terminated := tx.TerminationReason(); terminated {
			continue
		}
		if now.Sub(tx.startedAt) > tx.timeout {
			log.Printf("[TxMonitor] transaction %d exceeded timeout %v, marking for termination", tx.ID(), tx.timeout)
			tx.MarkForTermination(ReasonTimeout)
		}
	}
}

func (m *timeoutMonitor) stop() {
	close(m.quit)
	<-m.done
}
