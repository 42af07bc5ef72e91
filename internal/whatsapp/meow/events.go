package meow

import (
	"fmt"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/nextlevelbuilder/walink/internal/whatsapp"
)

// translate maps a whatsmeow event to a lifecycle event. Events the lifecycle
// does not care about map to nil. dev is the client's device store.
func translate(evt any, dev *store.Device) whatsapp.Event {
	switch e := evt.(type) {
	case *events.Connected:
		return whatsapp.ConnectionOpened{}
	case *events.PairSuccess:
		return whatsapp.CredentialsUpdated{Credentials: dev}
	case *events.LoggedOut:
		return whatsapp.ConnectionClosed{
			Reason: fmt.Sprintf("logged out (reason %v)", e.Reason),
			Fatal:  true,
		}
	case *events.ConnectFailure:
		return whatsapp.ConnectionClosed{
			Reason: fmt.Sprintf("connect failure %v: %s", e.Reason, e.Message),
			Fatal:  e.Reason.IsLoggedOut(),
		}
	case *events.StreamReplaced:
		return whatsapp.ConnectionClosed{Reason: "stream replaced by another client"}
	case *events.TemporaryBan:
		return whatsapp.ConnectionClosed{Reason: "temporarily banned"}
	case *events.ClientOutdated:
		return whatsapp.ConnectionClosed{Reason: "client outdated"}
	case *events.Disconnected:
		return whatsapp.ConnectionClosed{Reason: "connection lost"}
	default:
		return nil
	}
}
