package mcpserver

func routeIDSchema(description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"route_id": map[string]any{
				"type":        "string",
				"description": description,
			},
		},
		"required":             []string{"route_id"},
		"additionalProperties": false,
	}
}

func staticTools() []tool {
	sourceID := map[string]any{
		"type":        "string",
		"description": "Cast source id, e.g. cast:CC1AD845?clientId=123&autoJoinPolicy=origin_scoped.",
	}
	origin := map[string]any{
		"type":        "string",
		"description": "Origin of the requesting page, used by auto-join policies.",
	}
	tabID := map[string]any{
		"type":        "integer",
		"description": "Id of the requesting tab, used by auto-join policies.",
	}

	return []tool{
		{
			Name:        "list_sinks",
			Description: "Discover Cast receivers on the local network. Call this first to find the sink_id for create_route. With source_id only sinks able to play that source are returned.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timeout_ms": map[string]any{
						"type":        "integer",
						"minimum":     minDiscoveryTimeoutMS,
						"default":     defaultDiscoveryTimeoutMS,
						"description": "Discovery timeout in milliseconds.",
					},
					"include_unreachable": map[string]any{
						"type":        "boolean",
						"default":     false,
						"description": "Include receivers that fail the reachability check.",
					},
					"source_id": sourceID,
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "create_route",
			Description: "Launch the source's receiver application on a sink and create a route for its client. Any other session is ended first.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source_id": sourceID,
					"sink_id": map[string]any{
						"type":        "string",
						"description": "Sink id returned by list_sinks.",
					},
					"presentation_id": map[string]any{
						"type":        "string",
						"description": "Optional presentation id.",
					},
					"origin": origin,
					"tab_id": tabID,
					"off_the_record": map[string]any{
						"type":    "boolean",
						"default": false,
					},
				},
				"required":             []string{"source_id", "sink_id"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "join_route",
			Description: "Attach a new client to the running cast session. Use presentation_id auto-join to follow the source's auto-join policy, or cast-session_<id> to reconnect to a known session.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source_id": sourceID,
					"presentation_id": map[string]any{
						"type":        "string",
						"description": "auto-join or cast-session_<session id>.",
					},
					"origin": origin,
					"tab_id": tabID,
				},
				"required":             []string{"source_id", "presentation_id"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "close_route",
			Description: "Stop casting for a route. The receiver application is stopped and every route on the session ends.",
			InputSchema: routeIDSchema("Route to close."),
		},
		{
			Name:        "detach_route",
			Description: "Forget a route without touching the cast session.",
			InputSchema: routeIDSchema("Route to detach."),
		},
		{
			Name:        "send_client_message",
			Description: "Send one client protocol message (client_connect, v2_message, app_message, leave_session, client_disconnect) on behalf of a route's client.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"route_id": map[string]any{
						"type":        "string",
						"description": "Route whose client sends the message.",
					},
					"message": map[string]any{
						"type":        []string{"object", "string"},
						"description": "The client message as a JSON object or a JSON encoded string.",
					},
				},
				"required":             []string{"route_id", "message"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "poll_client_messages",
			Description: "Return and clear the messages routed to a route's client. A closed route disappears after its last poll.",
			InputSchema: routeIDSchema("Route to poll."),
		},
		{
			Name:        "list_routes",
			Description: "List open routes with their client state, recently closed routes and the current cast session.",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
		},
	}
}
