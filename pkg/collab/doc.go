// Package collab provides real-time collaboration on designs over WebSockets.
//
// Each design has a room. Joining or leaving a room broadcasts a presence
// message. Clients send cursor, select and ping frames; the server relays
// design.updated, design.deleted, notification and report events. Every
// connection has its own read and write pump with a bounded send buffer, and
// a client whose buffer fills is disconnected instead of stalling the room.
//
// Several API instances share traffic through a Bus. RedisBus publishes on
// the netforge:collab channel and each envelope carries the origin instance
// id so a hub never delivers its own messages twice:
//
//	hub := collab.NewHub(collab.HubConfig{
//	    Bus:     collab.NewRedisBus(redisClient, logger),
//	    Metrics: metrics,
//	    Logger:  logger,
//	})
//	go hub.Run(ctx)
//	defer hub.Close()
//
//	notificationService.SetPusher(hub)
//	collab.NewHandlers(hub, designService, rbacChecker, cfg.Collab.AllowedOrigins).
//	    RegisterRoutes(orgRouter)
package collab
