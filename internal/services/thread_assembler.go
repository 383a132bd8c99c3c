package services

import (
	"sort"
	"strings"
	"time"

	"mailsync/internal/models"
)

const (
	// ThreadOverfetch is how many messages are read per requested thread.
	ThreadOverfetch = 10
	noSubject       = "(No Subject)"
)

// AssembleThreads groups a recency-ordered window of messages into threads,
// most recently active first, at most limit of them. Messages within a
// thread are ordered by date ascending; equal dates keep input order.
func AssembleThreads(accountID uint, emails []models.Email, limit int) []models.Thread {
	byThread := make(map[string]*models.Thread)
	var order []string

	for _, email := range emails {
		threadID := email.ThreadID
		if threadID == "" {
			threadID = email.MessageID
		}
		thread, ok := byThread[threadID]
		if !ok {
			thread = &models.Thread{ID: threadID, AccountID: accountID}
			byThread[threadID] = thread
			order = append(order, threadID)
		}
		thread.Emails = append(thread.Emails, email)
	}

	threads := make([]models.Thread, 0, len(order))
	for _, id := range order {
		thread := byThread[id]
		sort.SliceStable(thread.Emails, func(i, j int) bool {
			return thread.Emails[i].Date.Before(thread.Emails[j].Date)
		})

		thread.Subject = strings.TrimSpace(thread.Emails[0].Subject)
		if thread.Subject == "" {
			thread.Subject = noSubject
		}
		thread.LastEmailDate = lastActivity(thread.Emails)
		for i := range thread.Emails {
			if !thread.Emails[i].IsRead() {
				thread.UnreadCount++
			}
		}
		threads = append(threads, *thread)
	}

	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].LastEmailDate.After(threads[j].LastEmailDate)
	})
	if limit > 0 && len(threads) > limit {
		threads = threads[:limit]
	}
	return threads
}

func lastActivity(emails []models.Email) time.Time {
	var last time.Time
	for _, email := range emails {
		if email.Date.After(last) {
			last = email.Date
		}
	}
	return last
}
