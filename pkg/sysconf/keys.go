package sysconf

// Recognized configuration keys. Unknown keys presented by a client are
// stored verbatim but never interpreted; this set is closed.
const (
	NodeName        = "c_nodename"
	FQDN            = "c_fqdn"
	HumanNode       = "c_humannode"
	CreatAide       = "c_creataide"
	Sleeping        = "c_sleeping"
	InitAx          = "c_initax"
	RegisCall       = "c_regiscall"
	TwitDetect      = "c_twitdetect"
	TwitRoom        = "c_twitroom"
	MorePrompt      = "c_moreprompt"
	Restrict        = "c_restrict"
	SiteLocation    = "c_site_location"
	SysAdm          = "c_sysadm"
	MaxSessions     = "c_maxsessions"
	IPAddr          = "c_ip_addr"
	PortNumber      = "c_port_number"
	ExpireMode      = "c_ep_mode"
	ExpireValue     = "c_ep_value"
	UserPurge       = "c_userpurge"
	RoomPurge       = "c_roompurge"
	LogPages        = "c_logpages"
	CreateAx        = "c_createax"
	MaxMsgLen       = "c_maxmsglen"
	MinWorkers      = "c_min_workers"
	MaxWorkers      = "c_max_workers"
	POP3Port        = "c_pop3_port"
	SMTPPort        = "c_smtp_port"
	StrictFrom      = "c_rfc822_strict_from"
	AideZap         = "c_aide_zap"
	IMAPPort        = "c_imap_port"
	NetFreq         = "c_net_freq"
	DisableNewU     = "c_disable_newu"
	EnableFullText  = "c_enable_fulltext"
	BaseRoom        = "c_baseroom"
	AideRoom        = "c_aideroom"
	PurgeHour       = "c_purge_hour"
	MbxExpireMode   = "c_mbx_ep_mode"
	MbxExpireValue  = "c_mbx_ep_value"
	IMAPSPort       = "c_imaps_port"
	POP3SPort       = "c_pop3s_port"
	SMTPSPort       = "c_smtps_port"
	MSAPort         = "c_msa_port"
	AutoCull        = "c_auto_cull"
	AllowSpoofing   = "c_allow_spoofing"
	JournalEmail    = "c_journal_email"
	JournalPubMsgs  = "c_journal_pubmsgs"
	JournalDest     = "c_journal_dest"
	DefaultCalZone  = "c_default_cal_zone"
	ManageSievePort = "c_managesieve_port"
	AuthMode        = "c_auth_mode"
	RBLAtGreeting   = "c_rbl_at_greeting"
	MasterUser      = "c_master_user"
	MasterPass      = "c_master_pass"
	PagerProgram    = "c_pager_program"
	IMAPKeepFrom    = "c_imap_keep_from"
	XMPPC2SPort     = "c_xmpp_c2s_port"
	XMPPS2SPort     = "c_xmpp_s2s_port"
	POP3Fetch       = "c_pop3_fetch"
	POP3Fastest     = "c_pop3_fastest"
	SpamFlagOnly    = "c_spam_flag_only"
	GuestLogins     = "c_guest_logins"
	NNTPPort        = "c_nntp_port"
	NNTPSPort       = "c_nntps_port"
	SMTPOutTimeout  = "c_smtp_out_timeout"
	SMTPTryTLS      = "c_smtp_try_tls"
	LDAPHost        = "c_ldap_host"
	LDAPPort        = "c_ldap_port"
	LDAPBaseDN      = "c_ldap_base_dn"
	LDAPBindDN      = "c_ldap_bind_dn"
	LDAPBindPW      = "c_ldap_bind_pw"
	LDAPOverwrite   = "c_ldap_overwrite_emails"
)

// KnownKeys lists every key the server itself reads or writes.
var KnownKeys = []string{
	NodeName, FQDN, HumanNode, CreatAide, Sleeping, InitAx, RegisCall,
	TwitDetect, TwitRoom, MorePrompt, Restrict, SiteLocation, SysAdm,
	MaxSessions, IPAddr, PortNumber, ExpireMode, ExpireValue, UserPurge,
	RoomPurge, LogPages, CreateAx, MaxMsgLen, MinWorkers, MaxWorkers,
	POP3Port, SMTPPort, StrictFrom, AideZap, IMAPPort, NetFreq,
	DisableNewU, EnableFullText, BaseRoom, AideRoom, PurgeHour,
	MbxExpireMode, MbxExpireValue, IMAPSPort, POP3SPort, SMTPSPort,
	MSAPort, AutoCull, AllowSpoofing, JournalEmail, JournalPubMsgs,
	JournalDest, DefaultCalZone, ManageSievePort, AuthMode, RBLAtGreeting,
	MasterUser, MasterPass, PagerProgram, IMAPKeepFrom, XMPPC2SPort,
	XMPPS2SPort, POP3Fetch, POP3Fastest, SpamFlagOnly, GuestLogins,
	NNTPPort, NNTPSPort, SMTPOutTimeout, SMTPTryTLS, LDAPHost, LDAPPort,
	LDAPBaseDN, LDAPBindDN, LDAPBindPW, LDAPOverwrite,
}

// Counter rows. These are not client-visible configuration; they are the
// monotonic allocators for message, user, and room numbers. The names carry
// over from the legacy control record.
const (
	CounterHighestMsg = "MMhighest"
	CounterNextUser   = "MMnextuser"
	CounterNextRoom   = "MMnextroom"
)

// defaults fills in the conservative values required for a working server.
// Only keys the boot sequence finds missing are written.
var defaults = map[string]string{
	NodeName:       "citadel",
	FQDN:           "localhost.localdomain",
	HumanNode:      "Citadel Server",
	SysAdm:         "admin",
	Sleeping:       "900",
	MaxSessions:    "0",
	MinWorkers:     "5",
	MaxWorkers:     "256",
	PortNumber:     "504",
	IPAddr:         "*",
	InitAx:         "4",
	CreateAx:       "3",
	MaxMsgLen:      "10485760",
	UserPurge:      "120",
	RoomPurge:      "30",
	PurgeHour:      "4",
	ExpireMode:     "1",
	ExpireValue:    "0",
	MbxExpireMode:  "1",
	MbxExpireValue: "0",
	AuthMode:       "0",
	BaseRoom:       "Lobby",
	AideRoom:       "Aide",
	TwitRoom:       "Trashcan",
	DefaultCalZone: "UTC",
	SMTPOutTimeout: "120",
	SMTPTryTLS:     "1",
	AutoCull:       "1",
	LDAPPort:       "389",
}
