package ledger

// contractABI covers the subset of the messaging contract the engine reads.
const contractABI = `[
	{"type":"function","name":"readMessage","stateMutability":"view",
	 "inputs":[{"name":"friend_key","type":"address"}],
	 "outputs":[{"name":"","type":"tuple[]","components":[
		{"name":"sender","type":"address"},
		{"name":"timestamp","type":"uint256"},
		{"name":"contentHash","type":"string"}]}]},
	{"type":"function","name":"getMyFriendList","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"tuple[]","components":[
		{"name":"pubkey","type":"address"},
		{"name":"name","type":"string"}]}]},
	{"type":"function","name":"getUsername","stateMutability":"view",
	 "inputs":[{"name":"pubkey","type":"address"}],
	 "outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"getPublicKey","stateMutability":"view",
	 "inputs":[{"name":"pubkey","type":"address"}],
	 "outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"checkUserExists","stateMutability":"view",
	 "inputs":[{"name":"pubkey","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"MessageSent","anonymous":false,"inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"recipient","type":"address","indexed":true},
		{"name":"contentHash","type":"string","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"event","name":"FriendAdded","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"friend","type":"address","indexed":true},
		{"name":"name","type":"string","indexed":false}]},
	{"type":"event","name":"AccountCreated","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"name","type":"string","indexed":false},
		{"name":"publicKey","type":"string","indexed":false}]}
]`
