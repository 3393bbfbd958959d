// Package batcher provides a client-side request batching engine.
//
// Callers submit individual requests; the Manager routes each one to a
// per-partition-key Buffer, and flushes a buffer either as soon as it holds
// MaxBatchItems requests or when the key's FlushInterval timer fires. A flush
// hands the extracted requests to an injected BatchSendFunc as one batch, and
// the injected ResponseMapper splits the batch response back into per-request
// outcomes that resolve each caller's Future.
//
// The engine performs no I/O itself and never retries. Within one key,
// requests are sent in submission order; across keys no order is implied.
//
// Example configuration (rpcbatcher config file):
//
//	{
//	  "batching": {
//	    "maxBatchItems": 10,
//	    "maxBufferSize": 500,
//	    "flushInterval": 200,
//	    "idleKeyTimeout": 300000,
//	    "maxInFlightBatches": 64
//	  }
//	}
package batcher
