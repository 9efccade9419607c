// Package job defines the fetch job record, its status machine, the error
// taxonomy shared by every component, and the narrow interfaces the engine
// depends on (Store, Clock, IDGenerator, BlobStore).
package job
