package webimage

import "github.com/Terence-eng/SDWebImage/pkg/webimage/downloader"

// Options is the per-load flag set.
type Options uint32

const (
	// OptionRetryFailed opts this request into retrying a blacklisted URL.
	// By default a URL that failed permanently is not fetched again.
	OptionRetryFailed Options = 1 << iota
	// OptionLowPriority marks the fetch as deferrable.
	OptionLowPriority
	// OptionCacheMemoryOnly stores the result in the memory tier only.
	OptionCacheMemoryOnly
	// OptionProgressiveDownload delivers partial decodes while downloading.
	OptionProgressiveDownload
	// OptionRefreshCached fetches even on a cache hit; the completion may
	// then fire a second time with the refreshed result.
	OptionRefreshCached
	// OptionContinueInBackground lets the fetch finish after backgrounding,
	// host support permitting.
	OptionContinueInBackground
	// OptionHandleCookies sends and stores cookies for the fetch.
	OptionHandleCookies
	// OptionAllowInvalidSSLCertificates accepts untrusted certificates for
	// this fetch.
	OptionAllowInvalidSSLCertificates
	// OptionHighPriority moves the fetch to the front of the download queue.
	OptionHighPriority
)

// downloaderOptions translates load options into fetch options.
func (o Options) downloaderOptions() downloader.Options {
	var d downloader.Options
	if o&OptionLowPriority != 0 {
		d |= downloader.OptLowPriority
	}
	if o&OptionProgressiveDownload != 0 {
		d |= downloader.OptProgressiveDownload
	}
	if o&OptionContinueInBackground != 0 {
		d |= downloader.OptContinueInBackground
	}
	if o&OptionHandleCookies != 0 {
		d |= downloader.OptHandleCookies
	}
	if o&OptionAllowInvalidSSLCertificates != 0 {
		d |= downloader.OptAllowInvalidSSLCertificates
	}
	if o&OptionHighPriority != 0 {
		d |= downloader.OptHighPriority
	}
	return d
}
