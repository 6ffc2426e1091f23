package latestonlychannel

// Wrap pipes inputCh to a new output channel without ever blocking the
// producer: whenever the consumer lags, older unsent values are replaced by
// newer ones. Configuration snapshots are total-state, so dropping a stale
// one in favor of its successor is always safe. Close the input channel to
// release the pipe.
func Wrap[T any](inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
	MainLoop:
		for {
			latest, ok := <-inputCh
			if !ok {
				break MainLoop
			}

		SendLoop:
			for {
				select {
				case outputCh <- latest:
					// sent; go back to waiting for fresh input so the
					// output never carries more values than the input did
					break SendLoop
				case updated, ok := <-inputCh:
					if !ok {
						break MainLoop
					}
					latest = updated
				}
			}
		}

		close(outputCh)
	}()

	return outputCh
}
