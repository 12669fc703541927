package videoworker

/*
	This package contains the core part of the vod capturing process
	* Driver for one channel: videoProcesser.go
	* Live session to vod matching: correlator.go
	* Hand-off to storage: finalizer.go
	* Calling notification sinks: plugin_manager.go
	* Playlist polling and segment writing: downloader/provgo
*/
