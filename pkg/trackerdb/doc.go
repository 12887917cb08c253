/*
Package trackerdb implements the registry of the monitoring entities exposed by the backend,
persisted in an sqlite3 database.

Q: Why do we need such "tracker DB" and we can't just expose whatever is in the device store?
A: The device store lives in memory and is rebuilt from the DNS server at every poll: it knows
which devices are tracked now, not which entities were handed out to the consumers in the past.
The tracker DB keeps the list of every entity ID ever registered, across restarts, so that the
reconciliation engine can find the orphans: entities of devices that left the store because
the IP filter changed, the lease expired or the device was not seen for too long.

Q: Who writes to the tracker DB?
A: The monitor of each entry, after each reconciliation: the planned additions are registered
and the planned removals are deleted.

Q: How are entries kept apart?
A: Every row carries the ID of the entry that registered it; listing and purging are always
scoped to one entry.
*/
package trackerdb
