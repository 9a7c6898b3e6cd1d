// Package tempstore holds artifacts while they are being downloaded.
//
// Every artifact gets a part file, pre-allocated to its full size and filled
// by positioned writes. When resumable downloads are enabled the engine also
// saves a state document next to it:
//
//	{
//	  "url": "https://...",
//	  "etag": "abc123",
//	  "total_size": 1048576000,
//	  "segments": [
//	    {"start": 0, "end": 131072000, "written": 131072000, "status": "completed"},
//	    {"start": 131072000, "end": 262144000, "written": 5242880, "status": "in_progress"}
//	  ]
//	}
//
// On load, in-progress segments become pending again and resume from their
// written offset. Files in the store are never visible at a final destination
// path; placement moves them out once verified.
package tempstore
