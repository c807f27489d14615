package protocol

// RPC method name constants for the ManagementAPI WebSocket surface,
// trimmed to the routes spec §4.13 enumerates: health, world-model,
// heartbeat, cron, sessions, archive, model/alias/fallback, skills,
// config, status.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	MethodWorldModelGet = "worldmodel.get"
	MethodWorldModelPut = "worldmodel.put"

	MethodHeartbeatConfigGet = "heartbeat.config.get"
	MethodHeartbeatConfigPut = "heartbeat.config.put"
	MethodHeartbeatRuns      = "heartbeat.runs"

	MethodCronList   = "cron.list"
	MethodCronCreate = "cron.create"
	MethodCronUpdate = "cron.update"
	MethodCronDelete = "cron.delete"
	MethodCronToggle = "cron.toggle"
	MethodCronRun    = "cron.run"
	MethodCronRuns   = "cron.runs"

	MethodSessionsList = "sessions.list"
	MethodSessionsRead = "sessions.read"

	MethodArchiveSearch = "archive.search"
	MethodArchiveGet    = "archive.get"

	MethodModelGet       = "model.get"
	MethodModelSet       = "model.set"
	MethodAliasList      = "alias.list"
	MethodAliasSet       = "alias.set"
	MethodAliasRemove    = "alias.remove"
	MethodFallbackList   = "fallback.list"
	MethodFallbackSet    = "fallback.set"
	MethodFallbackClear  = "fallback.clear"

	MethodSkillsList   = "skills.list"
	MethodSkillsGet    = "skills.get"
	MethodSkillsCreate = "skills.create"
	MethodSkillsUpdate = "skills.update"
	MethodSkillsDelete = "skills.delete"

	MethodConfigGet = "config.get"

	MethodChannelsList   = "channels.list"
	MethodChannelsStatus = "channels.status"
)
