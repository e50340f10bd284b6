// Package httpstages provides a pipeline stage that pulls reference material
// for an item over HTTP before it is drafted.
//
// FetchStage reads a URL from each item's payload, performs a GET, optionally
// checks the response content type and extracts a field from a JSON body,
// and stores the result as text in the payload:
//
//	stages:
//	  - name: fetch_source
//	    params:
//	      url_field: source_url
//	      format: json
//	      select: abstract
//	  - generate
//
// A failed fetch is recorded as a finding on the item, fatal by default.
package httpstages
