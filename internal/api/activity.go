package api

import (
	"github.com/google/uuid"
	"github.com/isomoes/mvideo/internal/api/watch"
	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/event"
	"github.com/isomoes/mvideo/internal/http/websocket"
)

const (
	TITLE_INGEST_UPDATE    = "INGEST_UPDATE"
	TITLE_ASSET_CREATED    = "ASSET_CREATED"
	TITLE_DERIVED_PROGRESS = "DERIVED_PROGRESS"
	TITLE_DERIVED_COMPLETE = "DERIVED_COMPLETE"
	TITLE_WATCH_UPDATE     = "WATCH_UPDATE"
)

type (
	AssetCreated struct {
		ProjectID string        `json:"projectId"`
		AssetID   string        `json:"assetId"`
		Asset     *asset.Record `json:"asset"`
	}

	WatchUpdate struct {
		ItemID uuid.UUID     `json:"itemId"`
		Item   *watch.ItemDto `json:"item"`
	}

	broadcaster struct {
		socketHub    *websocket.SocketHub
		assetStore   AssetStore
		watchService WatchService
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, assetStore AssetStore, watchService WatchService) *broadcaster {
	return &broadcaster{socketHub, assetStore, watchService}
}

func (hub *broadcaster) BroadcastIngestUpdate(update event.IngestUpdate) error {
	hub.broadcast(TITLE_INGEST_UPDATE, update)
	return nil
}

// BroadcastAssetCreated sends the committed record of a newly ingested
// asset to every client.
func (hub *broadcaster) BroadcastAssetCreated(projectID, assetID string) error {
	record, err := hub.assetStore.GetAssetByCompositeKey(projectID, assetID)
	if err != nil {
		return err
	}

	hub.broadcast(TITLE_ASSET_CREATED, AssetCreated{ProjectID: projectID, AssetID: assetID, Asset: record})
	return nil
}

func (hub *broadcaster) BroadcastDerivedProgress(progress event.DerivedProgress) error {
	hub.broadcast(TITLE_DERIVED_PROGRESS, progress)
	return nil
}

func (hub *broadcaster) BroadcastDerivedComplete(complete event.DerivedComplete) error {
	hub.broadcast(TITLE_DERIVED_COMPLETE, complete)
	return nil
}

// BroadcastWatchUpdate sends the current state of a watch item. A nil
// item indicates the item is no longer tracked.
func (hub *broadcaster) BroadcastWatchUpdate(itemID uuid.UUID) error {
	update := WatchUpdate{ItemID: itemID}
	if hub.watchService != nil {
		if item := hub.watchService.GetItem(itemID); item != nil {
			update.Item = watch.NewDto(item)
		}
	}

	hub.broadcast(TITLE_WATCH_UPDATE, update)
	return nil
}

func (hub *broadcaster) broadcast(title string, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]interface{}{"arguments": update},
		Type:  websocket.Update,
	})
}
