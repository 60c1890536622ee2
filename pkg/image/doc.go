/*
Package image talks to the image catalog service.

Client is the contract the workflow consumes: Show for image metadata
(size, formats, min-disk/min-RAM requirements), GetLocation for zero-copy
clone hints, Download for streaming the image's bits into a volume.

HTTPClient implements it over the catalog's REST API, rotating across the
configured endpoints and retrying transient failures a bounded number of
times. It is constructed once at service start and passed by reference;
there is no process-wide singleton or session cache.
*/
package image
