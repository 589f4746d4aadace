// Package template resolves message bodies: a tenant-edited template when
// one exists, otherwise the built-in default for the message type. Variables
// use the {{name}} form shared with the upstream provider's editor.
package template

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/guest-scheduler/internal/db"
	"github.com/example/guest-scheduler/internal/store"
)

var defaults = map[store.MessageType]string{
	store.TypePreArrival24h:       "Hi {{guestName}}, we're looking forward to welcoming you to {{propertyName}} tomorrow! Check-in is from {{checkInTime}}. Let us know if you have any questions.",
	store.TypeDoorCode3h:          "Hi {{guestName}}, your door code for {{propertyName}} is {{doorCode}}. Check-in is from {{checkInTime}}. Safe travels!",
	store.TypeSameDayCheckin:      "Hi {{guestName}}, today's the day! {{propertyName}} is ready for you from {{checkInTime}}. WiFi network {{wifiName}}, password {{wifiPassword}}.",
	store.TypeCheckoutMorning:     "Good morning {{guestName}}, a quick reminder that checkout is at {{checkOutTime}} today. We hope you enjoyed your stay!",
	store.TypePreCheckoutEvening:  "Hi {{guestName}}, your checkout at {{propertyName}} is tomorrow at {{checkOutTime}}. Let us know if you need anything before you go.",
	store.TypeThankYouImmediate:   "Hi {{guestName}}, thank you for booking {{propertyName}}! We'll send your arrival details closer to check-in.",
	store.TypePostBookingFollowup: "Hi {{guestName}}, just checking in ahead of your stay at {{propertyName}}. Reply here any time if you have questions.",
}

// DefaultBody returns the built-in template for a message type.
func DefaultBody(mt store.MessageType) (string, bool) {
	body, ok := defaults[mt]
	return body, ok
}

// Substitute replaces {{name}} placeholders. Placeholders without a value
// are left in place so a broken variable is visible instead of silent.
func Substitute(body string, vars map[string]string) string {
	for k, v := range vars {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return body
}

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

// Get returns the tenant's template for a message type, falling back to the
// built-in default. No row and no default is an error: the caller has a
// message it cannot render.
func (r *Repo) Get(ctx context.Context, tenantID string, mt store.MessageType) (string, error) {
	var body string
	err := r.db.QueryRow(ctx, `
SELECT body FROM message_templates
WHERE tenant_id=$1 AND message_type=$2`, tenantID, string(mt)).Scan(&body)
	if err == nil {
		return body, nil
	}
	if !db.IsNotFound(err) {
		return "", err
	}
	if body, ok := defaults[mt]; ok {
		return body, nil
	}
	return "", fmt.Errorf("no template for message type %q", mt)
}

func (r *Repo) Set(ctx context.Context, tenantID string, mt store.MessageType, body string) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO message_templates(tenant_id, message_type, body)
VALUES ($1,$2,$3)
ON CONFLICT (tenant_id, message_type) DO UPDATE SET body=EXCLUDED.body, updated_at=now()`,
		tenantID, string(mt), body)
	return err
}

// EnsureDefaults seeds the tenant's editable template rows from the
// built-ins, leaving existing edits alone.
func (r *Repo) EnsureDefaults(ctx context.Context, tenantID string) error {
	for mt, body := range defaults {
		_, err := r.db.Exec(ctx, `
INSERT INTO message_templates(tenant_id, message_type, body)
VALUES ($1,$2,$3)
ON CONFLICT (tenant_id, message_type) DO NOTHING`, tenantID, string(mt), body)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) List(ctx context.Context, tenantID string) (map[store.MessageType]string, error) {
	rows, err := r.db.Query(ctx, `
SELECT message_type, body FROM message_templates WHERE tenant_id=$1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[store.MessageType]string{}
	for rows.Next() {
		var mt, body string
		if err := rows.Scan(&mt, &body); err != nil {
			return nil, err
		}
		out[store.MessageType(mt)] = body
	}
	return out, rows.Err()
}
