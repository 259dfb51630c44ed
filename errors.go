package adsbalert

import "github.com/hazyhaar/adsbalert/internal/alerterr"

// Failure taxonomy of a cycle. Match with errors.As.
type (
	FeedReadError       = alerterr.FeedReadError
	WatchlistFetchError = alerterr.WatchlistFetchError
	DeliveryError       = alerterr.DeliveryError
	RecipientFailure    = alerterr.RecipientFailure
	PersistenceError    = alerterr.PersistenceError
)
