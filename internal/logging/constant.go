package logging

// TitleSlowLog prefixes a log line that records a request slower than the
// configured slow-log threshold, so log shippers can grep for it without
// parsing the rest of the line.
const TitleSlowLog = "[SLOWLOG]"
