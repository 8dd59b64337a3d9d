package main

import (
	"path"
	"time"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/loader"
	"chatsync/pkg/memstore"
	"chatsync/pkg/notify"
)

const demoServerID = "demo"

type demoUser struct {
	id   string
	name string
}

var demoUsers = []demoUser{
	{id: "alice", name: "Alice"},
	{id: "bob", name: "Bob"},
}

type demoMessage struct {
	author string
	text   string
}

// seedDemo fills store with one server, two channels, a direct thread and
// unread counters for every demo user.
func seedDemo(store *memstore.Store, now time.Time) {
	store.Seed(chatsync.ServerPath(demoServerID), map[string]any{
		loader.FieldName:        "Demo",
		loader.FieldDescription: "Seeded by chatsync serve",
	})

	channels := []string{"general", "random"}
	for position, channelID := range channels {
		store.Seed(path.Join(chatsync.ServerChannelsCollection(demoServerID), channelID), map[string]any{
			loader.FieldName:     channelID,
			loader.FieldPosition: position,
		})
	}

	for _, user := range demoUsers {
		store.Seed(chatsync.UserPath(user.id), map[string]any{
			loader.FieldDisplayName: user.name,
			loader.FieldHandle:      user.id,
		})
		store.Seed(path.Join(chatsync.ServerMembersCollection(demoServerID), user.id), map[string]any{
			loader.FieldJoinedAt: now.Add(-24 * time.Hour).UnixMilli(),
			loader.FieldPresence: "online",
		})
	}

	general := []demoMessage{
		{author: "alice", text: "welcome to the demo server"},
		{author: "bob", text: "hi alice"},
		{author: "alice", text: "try chatsync send to post here"},
	}
	seedMessages(store, chatsync.ChannelScope("general"), general, now)

	direct := chatsync.DirectScope("alice-bob")
	seedMessages(store, direct, []demoMessage{{author: "bob", text: "ping"}}, now)

	for _, user := range demoUsers {
		store.Seed(path.Join(chatsync.UnreadCollection(user.id, string(notify.SourceChannels)), "general"), map[string]any{
			loader.FieldServerID:     demoServerID,
			loader.FieldTitle:        "general",
			loader.FieldLow:          len(general),
			loader.FieldPreview:      general[len(general)-1].text,
			loader.FieldLastActivity: now.UnixMilli(),
		})
		store.Seed(path.Join(chatsync.UnreadCollection(user.id, string(notify.SourceThreads)), "general-intro"), map[string]any{
			loader.FieldChannelID:    "general",
			loader.FieldServerID:     demoServerID,
			loader.FieldChannelTitle: "general",
			loader.FieldTitle:        "intro",
			loader.FieldUnread:       1,
			loader.FieldLastActivity: now.UnixMilli(),
		})
	}
	store.Seed(path.Join(chatsync.UnreadCollection("alice", string(notify.SourceDirects)), direct.ID), map[string]any{
		loader.FieldTitle:        "Bob",
		loader.FieldUnread:       1,
		loader.FieldPreview:      "ping",
		loader.FieldLastActivity: now.UnixMilli(),
	})
}

func seedMessages(store *memstore.Store, scope chatsync.ScopeKey, messages []demoMessage, now time.Time) {
	start := now.Add(-time.Duration(len(messages)) * time.Minute)
	for index, message := range messages {
		id := scope.ID + "-" + string(rune('a'+index))
		store.Seed(chatsync.MessagePath(scope, id), map[string]any{
			loader.FieldAuthorID:  message.author,
			loader.FieldCreatedAt: start.Add(time.Duration(index) * time.Minute).UnixMilli(),
			loader.FieldKind:      string(chatsync.PayloadKindText),
			loader.FieldText:      message.text,
		})
	}
}
