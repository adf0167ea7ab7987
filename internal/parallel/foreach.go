// Package parallel holds the bounded fan-out used by per-sample layer work.
package parallel

import "sync"

// ForEach runs body(i) for i in [0, length) with at most limit goroutines in flight.
func ForEach(length, limit int, body func(i int)) {
	if limit <= 0 {
		limit = 1
	}
	if length <= 0 {
		return
	}
	if limit == 1 || length == 1 {
		for i := 0; i < length; i++ {
			body(i)
		}
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)

	for i := 0; i < length; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			body(i)
		}(i)
	}

	wg.Wait()
}
