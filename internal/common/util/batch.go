package util

// Batch splits elements into consecutive slices of at most batchSize elements.
func Batch[T any](elements []T, batchSize int) [][]T {
	batches := make([][]T, 0, (len(elements)+batchSize-1)/batchSize)
	for batchSize < len(elements) {
		elements, batches = elements[batchSize:], append(batches, elements[:batchSize])
	}
	if len(elements) > 0 {
		batches = append(batches, elements)
	}
	return batches
}
