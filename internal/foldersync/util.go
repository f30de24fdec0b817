package foldersync

import "github.com/emersion/go-imap/v2"

func imapUIDSet(uids []imap.UID) imap.UIDSet {
	set := imap.UIDSet{}
	for _, u := range uids {
		set.AddNum(u)
	}
	return set
}
