package threadpool

import (
	"code.hybscloud.com/execman/address"
	"code.hybscloud.com/execman/workmanager"
)

// Wire connects producerType's output to consumerType's input queue on
// the same WorkManager, mirroring the original source's
// set_output_executors(producer, consumer, mode). Every registered stage
// lives on one WorkManager (its execInfoByType map already keys
// independently per type), so wiring two stages together is just
// SetOutput plus the consumer's waiting-address insertion order.
//
// order is typically workmanager.FIFO for a straight-line producer to
// consumer edge, and workmanager.LIFO for a stage's re-entry edge (a
// resplitter feeding its own bucket addresses back into itself), so the
// most recently produced bucket is serviced before older ones, bounding
// how many buckets sit half-filled in memory at once.
func Wire(wm *workmanager.WorkManager, producerType, consumerType address.TypeID, order workmanager.Order) {
	workmanager.SetInputOrder(wm, consumerType, order)
	workmanager.SetOutput(wm, producerType, wm.AddInputPacket)
}
