// Package crawler discovers and downloads bulletin documents from news
// sites. A Pipeline walks a Site through pagination, article discovery,
// document discovery and download, fetching every page through a
// RetryingFetcher. Service runs pipelines as background tasks.
package crawler
